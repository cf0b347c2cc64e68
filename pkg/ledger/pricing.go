package ledger

import "fmt"

// CostEntry describes how one interaction kind is billed. Repeatable kinds are
// billed on every call; all others are billed at most once per reference id.
type CostEntry struct {
	Cost       AmountCredits
	Repeatable bool
}

// CostTable maps interaction kinds to credit costs. It is externally
// maintained configuration; the ledger never computes prices itself.
type CostTable struct {
	entries map[InteractionKind]CostEntry
}

// NewCostTable builds a cost table from configured entries. Costs must be
// non-negative; zero means "tracked but free".
func NewCostTable(entries map[InteractionKind]CostEntry) (*CostTable, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty cost table", ErrInvalidServiceConfig)
	}
	table := make(map[InteractionKind]CostEntry, len(entries))
	for kind, entry := range entries {
		if entry.Cost < 0 {
			return nil, fmt.Errorf("%w: negative cost for %s", ErrInvalidServiceConfig, kind)
		}
		table[kind] = entry
	}
	return &CostTable{entries: table}, nil
}

// DefaultCostTable returns the compiled-in cost schedule. Deployments override
// it through configuration.
func DefaultCostTable() *CostTable {
	table, err := NewCostTable(map[InteractionKind]CostEntry{
		KindProfileView:      {Cost: 100, Repeatable: true},
		KindChatStarted:      {Cost: 500},
		KindBookingConfirmed: {Cost: 1000},
	})
	if err != nil {
		panic(err)
	}
	return table
}

// Cost resolves the credit cost for a kind. An unrecognized kind is a
// configuration error, not a retry case.
func (table *CostTable) Cost(kind InteractionKind) (AmountCredits, error) {
	entry, ok := table.entries[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownInteractionKind, kind)
	}
	return entry.Cost, nil
}

// Repeatable reports whether a kind is billed on every call. Unknown kinds
// report false; Cost is the authority on kind validity.
func (table *CostTable) Repeatable(kind InteractionKind) bool {
	entry, ok := table.entries[kind]
	if !ok {
		return false
	}
	return entry.Repeatable
}
