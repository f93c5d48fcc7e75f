package exchange

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/rate"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// Options carries shared infrastructure handed to every connector.
type Options struct {
	Sandbox     bool
	Logger      *zap.Logger
	RateLimits  *rate.Manager
	HTTPClient  *http.Client
	EventBuffer int
	// BaseURL and StreamURL override the venue REST and WebSocket
	// endpoints (tests, private gateways).
	BaseURL   string
	StreamURL string
}

// Constructor builds a connector for one account.
type Constructor func(account model.Account, opts Options) (Connector, error)

// Factory maps stable exchange identities to connector constructors.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
	base  Options
}

// NewFactory creates an empty factory. base is copied into every constructor call.
func NewFactory(base Options) *Factory {
	if base.Logger == nil {
		base.Logger = zap.NewNop()
	}
	return &Factory{ctors: make(map[string]Constructor), base: base}
}

// NormalizeIdentity lowercases and trims an exchange identity.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// Register binds identity to ctor, replacing any previous binding.
func (f *Factory) Register(identity string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[NormalizeIdentity(identity)] = ctor
}

// Exchanges lists registered identities in sorted order.
func (f *Factory) Exchanges() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for id := range f.ctors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetClient builds the connector registered for exchangeIdentity using the
// account's credentials. Unknown identities return *ConnectorNotFoundError.
func (f *Factory) GetClient(exchangeIdentity string, account model.Account, sandbox bool) (Connector, error) {
	id := NormalizeIdentity(exchangeIdentity)

	f.mu.RLock()
	ctor, ok := f.ctors[id]
	f.mu.RUnlock()
	if !ok || id == "" {
		return nil, &ConnectorNotFoundError{Exchange: exchangeIdentity}
	}

	account.Exchange = id
	opts := f.base
	opts.Sandbox = sandbox
	opts.Logger = f.base.Logger.With(zap.String("exchange", id), zap.String("account", account.ID))

	conn, err := ctor(account, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s connector for account %s: %w", id, account.ID, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("create %s connector for account %s: constructor returned nil", id, account.ID)
	}
	return conn, nil
}
