package engine

import (
	"fmt"
	"sync"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// PairRegistry resolves a symbol to its trading pair definition.
type PairRegistry interface {
	Resolve(symbol string) (*models.TradingPair, error)
}

// StaticPairRegistry is an in-memory PairRegistry.
type StaticPairRegistry struct {
	mu    sync.RWMutex
	pairs map[string]*models.TradingPair
}

// NewStaticPairRegistry creates a registry seeded with the given pairs.
func NewStaticPairRegistry(pairs ...*models.TradingPair) *StaticPairRegistry {
	r := &StaticPairRegistry{pairs: make(map[string]*models.TradingPair, len(pairs))}
	for _, p := range pairs {
		r.pairs[p.Symbol] = p
	}
	return r
}

// Add registers or replaces a trading pair.
func (r *StaticPairRegistry) Add(pair *models.TradingPair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs[pair.Symbol] = pair
}

// Resolve implements PairRegistry.
func (r *StaticPairRegistry) Resolve(symbol string) (*models.TradingPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pair, ok := r.pairs[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown trading pair: %s", symbol)
	}
	return pair, nil
}
