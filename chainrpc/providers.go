package chainrpc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridianfi/chainfeed/chains"
)

// Providers is the per-chain provider registry built from the endpoint
// config at startup. Chains whose endpoint fails to dial are skipped with
// a warning rather than failing the whole process.
type Providers struct {
	byID map[chains.ID]Provider
	ids  []chains.ID
}

func NewProviders(ctx context.Context, cfg chains.Config, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}

	providers := &Providers{
		byID: map[chains.ID]Provider{},
	}

	for name, network := range cfg {
		if network.Disabled || network.WSURL == "" {
			continue
		}
		if !network.ID.Supported() {
			log.Warn(fmt.Sprintf("chainrpc: skipping unsupported chain %q (%d)", name, network.ID))
			continue
		}
		if _, ok := providers.byID[network.ID]; ok {
			return nil, fmt.Errorf("chainrpc: duplicate provider for chain %d", network.ID)
		}

		p, err := NewProvider(ctx, network.ID, network.WSURL, log)
		if err != nil {
			log.Warn(fmt.Sprintf("chainrpc: skipping chain %s, endpoint unavailable: %v", network.ID.Name(), err))
			continue
		}
		providers.byID[network.ID] = p
	}

	for _, id := range cfg.Enabled() {
		if _, ok := providers.byID[id]; ok {
			providers.ids = append(providers.ids, id)
		}
	}

	return providers, nil
}

// NewProvidersFromMap wraps pre-built providers, used by tests and by the
// local runmode.
func NewProvidersFromMap(m map[chains.ID]Provider) *Providers {
	p := &Providers{byID: map[chains.ID]Provider{}}
	for id, prov := range m {
		p.byID[id] = prov
		p.ids = append(p.ids, id)
	}
	return p
}

func (p *Providers) Get(chainID chains.ID) (Provider, bool) {
	prov, ok := p.byID[chainID]
	return prov, ok
}

func (p *Providers) ChainIDs() []chains.ID {
	return p.ids
}

func (p *Providers) Len() int {
	return len(p.byID)
}
