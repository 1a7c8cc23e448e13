package fees

import (
	"context"
	"fmt"
	"sync"

	"index-fund-engine/internal/domain"
)

// ConfigProvider resolves the protocol fee configuration of a fund.
// It is resolved once per operation.
type ConfigProvider interface {
	Resolve(ctx context.Context, fund string) (domain.FeeConfig, error)
}

// StaticProvider serves a global default with optional per-fund overrides.
type StaticProvider struct {
	mu        sync.RWMutex
	def       domain.FeeConfig
	overrides map[string]domain.FeeConfig
}

// NewStaticProvider creates a provider returning def for every fund.
func NewStaticProvider(def domain.FeeConfig) (*StaticProvider, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("default fee config: %w", err)
	}
	return &StaticProvider{
		def:       def,
		overrides: make(map[string]domain.FeeConfig),
	}, nil
}

// SetOverride installs a fund-specific configuration.
func (p *StaticProvider) SetOverride(fund string, cfg domain.FeeConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("override for %s: %w", fund, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[fund] = cfg
	return nil
}

// ClearOverride drops a fund-specific configuration.
func (p *StaticProvider) ClearOverride(fund string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.overrides, fund)
}

// Resolve returns the override for fund, or the default.
func (p *StaticProvider) Resolve(_ context.Context, fund string) (domain.FeeConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cfg, ok := p.overrides[fund]; ok {
		return cfg, nil
	}
	return p.def, nil
}

var _ ConfigProvider = (*StaticProvider)(nil)
