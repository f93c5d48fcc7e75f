// Package connectors binds every supported exchange identity to its connector.
package connectors

import (
	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/internal/exchange/binance"
	"github.com/Checker-Finance/exchange-connectors/internal/exchange/kucoin"
)

// Register adds the built-in connectors to f.
func Register(f *exchange.Factory) {
	f.Register(binance.Identity, binance.Constructor)
	f.Register(kucoin.Identity, kucoin.Constructor)
}

// NewFactory returns a factory with the built-in connectors registered.
func NewFactory(base exchange.Options) *exchange.Factory {
	f := exchange.NewFactory(base)
	Register(f)
	return f
}
