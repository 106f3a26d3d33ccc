package schema

import "github.com/yanun0323/errors"

// Instrument describes a tradable symbol known to the daemon.
type Instrument struct {
	Symbol   string
	Sector   string
	Exchange string
	TickSize float64
	LotSize  float64
}

// Registry stores the tradable universe and its sector mapping. It is built
// once from configuration and read-only afterwards.
type Registry struct {
	instruments []Instrument
	bySymbol    map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bySymbol: make(map[string]int)}
}

// Add registers a new instrument.
func (r *Registry) Add(inst Instrument) error {
	if inst.Symbol == "" {
		return errors.New("instrument symbol is empty")
	}
	if _, ok := r.bySymbol[inst.Symbol]; ok {
		return errors.Errorf("instrument already exists: %s", inst.Symbol)
	}
	r.bySymbol[inst.Symbol] = len(r.instruments)
	r.instruments = append(r.instruments, inst)
	return nil
}

// Lookup returns the instrument for a symbol.
func (r *Registry) Lookup(symbol string) (Instrument, bool) {
	idx, ok := r.bySymbol[symbol]
	if !ok {
		return Instrument{}, false
	}
	return r.instruments[idx], true
}

// Sector returns the sector for a symbol, or "" when unknown.
func (r *Registry) Sector(symbol string) string {
	inst, ok := r.Lookup(symbol)
	if !ok {
		return ""
	}
	return inst.Sector
}

// Known reports whether the symbol is part of the tradable universe.
func (r *Registry) Known(symbol string) bool {
	_, ok := r.bySymbol[symbol]
	return ok
}

// Count returns the number of registered instruments.
func (r *Registry) Count() int {
	return len(r.instruments)
}

// Symbols lists every registered symbol in insertion order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, inst.Symbol)
	}
	return out
}
