package model

// Environment selects between the live venue and its sandbox/testnet.
type Environment string

const (
	EnvironmentLive    Environment = "live"
	EnvironmentSandbox Environment = "sandbox"
)

// ExchangeCredential holds the API material an account uses on one exchange.
// PrivateKey is optional; venues that require a passphrase store it here.
type ExchangeCredential struct {
	APIKey     string `json:"api_key"`
	Secret     string `json:"api_secret"`
	PrivateKey string `json:"private_key,omitempty"`
	Sandbox    bool   `json:"sandbox"`
}

// Environment derives the venue environment from the sandbox flag.
func (c ExchangeCredential) Environment() Environment {
	if c.Sandbox {
		return EnvironmentSandbox
	}
	return EnvironmentLive
}

// Account is the owning account of a connector.
// Exchange is the stable exchange identity, never a display name.
type Account struct {
	ID         string             `json:"id"`
	Exchange   string             `json:"exchange"`
	Credential ExchangeCredential `json:"-"`
}
