package venue

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/venued/venued/internal/config"
	"github.com/venued/venued/pkg/secrets"
	"github.com/venued/venued/pkg/types"
	"github.com/venued/venued/services/binance"
	"github.com/venued/venued/services/bybit"
)

// BuildAll constructs a driver for every enabled venue and registers the
// result, dead or alive. A venue the factory does not know is a
// configuration error and aborts startup. A venue that fails to
// construct is registered unreachable and startup continues; only zero
// live venues is fatal.
func BuildAll(reg *Registry, venues []config.VenueConfig, src secrets.Source, log *logrus.Entry) error {
	entry := log.WithField("component", "factory")

	live := 0
	for _, vc := range venues {
		if !known(vc.Name) {
			return fmt.Errorf("unknown venue %q in config", vc.Name)
		}

		handle, err := build(vc, src, log)
		if err != nil {
			entry.WithField("venue", vc.Name).WithError(err).Warn("venue construction failed")
			reg.Register(vc.Name, nil)
			continue
		}

		reg.Register(vc.Name, handle)
		entry.WithField("venue", vc.Name).Info("venue connected")
		live++
	}

	if live == 0 {
		return fmt.Errorf("no venue could be constructed")
	}
	return nil
}

func known(name string) bool {
	switch name {
	case "binance", "bybit":
		return true
	}
	return false
}

func build(vc config.VenueConfig, src secrets.Source, log *logrus.Entry) (types.Venue, error) {
	creds, err := src.Lookup(vc.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	switch vc.Name {
	case "binance":
		return binance.New(creds.APIKey, creds.APISecret, vc.Testnet, log)
	case "bybit":
		return bybit.New(creds.APIKey, creds.APISecret, vc.Testnet, log)
	}
	return nil, fmt.Errorf("unknown venue %q", vc.Name)
}
