// Package symbols holds the static, bidirectional mapping between canonical
// symbol ids and per-exchange symbols (spec C1). The map is built once at
// startup from a YAML document and is immutable for the life of the
// process; lookups in both directions are O(1).
package symbols

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry is one canonical symbol and its known per-exchange aliases.
type Entry struct {
	ID       string `yaml:"id"`
	Binance  string `yaml:"binance,omitempty"`
	Coinbase string `yaml:"coinbase,omitempty"`
}

type document struct {
	Symbols []Entry `yaml:"symbols"`
}

// Map is the immutable bidirectional symbol table.
type Map struct {
	entries       []Entry
	byCanonical   map[string]Entry
	byExchangeSym map[string]map[string]string // exchange -> exchange symbol -> canonical id
}

// Load parses a YAML symbol map file. A malformed or empty file is a
// configuration error — fatal at startup per spec §7.
func Load(path string) (*Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbol map %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a Map from raw YAML bytes, for tests and embedded defaults.
func Parse(raw []byte) (*Map, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse symbol map: %w", err)
	}
	if len(doc.Symbols) == 0 {
		return nil, fmt.Errorf("symbol map is empty")
	}

	m := &Map{
		entries:       doc.Symbols,
		byCanonical:   make(map[string]Entry, len(doc.Symbols)),
		byExchangeSym: map[string]map[string]string{"binance": {}, "coinbase": {}},
	}
	for _, e := range doc.Symbols {
		if e.ID == "" {
			return nil, fmt.Errorf("symbol map entry missing canonical id")
		}
		if _, dup := m.byCanonical[e.ID]; dup {
			return nil, fmt.Errorf("duplicate canonical id %q", e.ID)
		}
		m.byCanonical[e.ID] = e
		if e.Binance != "" {
			m.byExchangeSym["binance"][e.Binance] = e.ID
		}
		if e.Coinbase != "" {
			m.byExchangeSym["coinbase"][e.Coinbase] = e.ID
		}
	}
	return m, nil
}

// CanonicalIDs returns every canonical symbol id, in file order.
func (m *Map) CanonicalIDs() []string {
	ids := make([]string, len(m.entries))
	for i, e := range m.entries {
		ids[i] = e.ID
	}
	return ids
}

// ExchangeSymbol returns the per-exchange symbol for a canonical id, if any.
func (m *Map) ExchangeSymbol(canonicalID, exchange string) (string, bool) {
	entry, ok := m.byCanonical[canonicalID]
	if !ok {
		return "", false
	}
	switch exchange {
	case "binance":
		return entry.Binance, entry.Binance != ""
	case "coinbase":
		return entry.Coinbase, entry.Coinbase != ""
	default:
		return "", false
	}
}

// CanonicalID resolves an exchange-specific symbol back to its canonical id.
func (m *Map) CanonicalID(exchange, exchangeSymbol string) (string, bool) {
	table, ok := m.byExchangeSym[exchange]
	if !ok {
		return "", false
	}
	id, ok := table[exchangeSymbol]
	return id, ok
}

// Has reports whether a canonical id is known.
func (m *Map) Has(canonicalID string) bool {
	_, ok := m.byCanonical[canonicalID]
	return ok
}
