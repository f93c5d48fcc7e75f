package secrets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
	pkgsecrets "github.com/Checker-Finance/exchange-connectors/pkg/secrets"
	"github.com/Checker-Finance/exchange-connectors/pkg/utils"
)

// ErrIncompleteCredential is returned when a secret lacks the key or the secret.
var ErrIncompleteCredential = errors.New("credential is missing api_key or api_secret")

// CredentialResolver loads exchange credentials per account from a secrets
// provider and caches them locally.
//
// Secret naming convention: {env}/{accountID}/{exchange}
type CredentialResolver struct {
	logger   *zap.Logger
	env      string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[model.ExchangeCredential]
}

func NewCredentialResolver(
	logger *zap.Logger,
	env string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[model.ExchangeCredential],
) *CredentialResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialResolver{
		logger:   logger,
		env:      env,
		provider: provider,
		cache:    cache,
	}
}

func (r *CredentialResolver) cacheKey(accountID, exchange string) string {
	return strings.ToLower(accountID + "|" + exchange)
}

func (r *CredentialResolver) secretName(accountID, exchange string) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, accountID, exchange))
}

// Resolve returns the credential of accountID on exchange.
func (r *CredentialResolver) Resolve(ctx context.Context, accountID, exchange string) (model.ExchangeCredential, error) {
	key := r.cacheKey(accountID, exchange)
	if cred, ok := r.cache.Get(key); ok {
		metrics.SecretsCacheHits.WithLabelValues("hit").Inc()
		return cred, nil
	}
	metrics.SecretsCacheHits.WithLabelValues("miss").Inc()

	name := r.secretName(accountID, exchange)
	raw, err := r.provider.GetSecret(ctx, name)
	if err != nil {
		r.logger.Warn("aws.secret_fetch_failed", zap.String("key", name), zap.Error(err))
		return model.ExchangeCredential{}, fmt.Errorf("resolve credential for %q on %s: %w", accountID, exchange, err)
	}

	cred, err := ParseCredential(raw)
	if err != nil {
		return model.ExchangeCredential{}, fmt.Errorf("parse secret %q: %w", name, err)
	}
	r.cache.Put(key, cred)

	r.logger.Info("aws.credential_resolved",
		zap.String("account", accountID),
		zap.String("exchange", exchange),
		zap.String("api_key", utils.MaskKey(cred.APIKey)),
		zap.String("environment", string(cred.Environment())))
	return cred, nil
}

// Account resolves the credential and returns a ready-to-use Account.
func (r *CredentialResolver) Account(ctx context.Context, accountID, exchange string) (model.Account, error) {
	cred, err := r.Resolve(ctx, accountID, exchange)
	if err != nil {
		return model.Account{}, err
	}
	return model.Account{ID: accountID, Exchange: exchange, Credential: cred}, nil
}

// Invalidate drops a cached credential, e.g. after an authentication failure.
func (r *CredentialResolver) Invalidate(accountID, exchange string) {
	r.cache.Bust(r.cacheKey(accountID, exchange))
}

// DiscoverAccounts lists the accounts that have a secret for exchange.
func (r *CredentialResolver) DiscoverAccounts(ctx context.Context, exchange string) ([]string, error) {
	prefix := strings.ToLower(r.env + "/")
	suffix := "/" + strings.ToLower(exchange)

	names, err := r.provider.ListSecrets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("discover accounts: %w", err)
	}

	var accounts []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, suffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(lower, prefix), suffix)
		if id != "" && !strings.Contains(id, "/") {
			accounts = append(accounts, id)
		}
	}

	r.logger.Info("aws.accounts_discovered",
		zap.String("exchange", exchange),
		zap.Int("count", len(accounts)))
	return accounts, nil
}

// ParseCredential reads api_key, api_secret, private_key and sandbox.
func ParseCredential(raw map[string]string) (model.ExchangeCredential, error) {
	cred := model.ExchangeCredential{
		APIKey:     strings.TrimSpace(raw["api_key"]),
		Secret:     strings.TrimSpace(raw["api_secret"]),
		PrivateKey: strings.TrimSpace(raw["private_key"]),
	}
	if cred.APIKey == "" || cred.Secret == "" {
		return model.ExchangeCredential{}, ErrIncompleteCredential
	}
	if v := raw["sandbox"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return model.ExchangeCredential{}, fmt.Errorf("invalid sandbox flag %q: %w", v, err)
		}
		cred.Sandbox = b
	}
	return cred, nil
}
