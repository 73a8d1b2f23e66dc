package extract

import "strings"

// RowIdentity is the stable key that identifies a logical table row across
// scroll captures. It is derived solely from configured key-column text, so
// transient rendering attributes (position, animation classes) cannot change
// it.
type RowIdentity string

// identitySeparator keeps multi-column keys unambiguous even when cell text
// itself contains common punctuation.
const identitySeparator = "\x1f"

// Identity derives the row key from the configured key columns. The second
// return value is false when any key column is missing or blank; such rows
// cannot be deduplicated and are not accumulated.
func Identity(cells []string, keyColumns []int) (RowIdentity, bool) {
	parts := make([]string, 0, len(keyColumns))
	for _, col := range keyColumns {
		if col >= len(cells) {
			return "", false
		}
		text := strings.TrimSpace(cells[col])
		if text == "" {
			return "", false
		}
		parts = append(parts, text)
	}
	return RowIdentity(strings.Join(parts, identitySeparator)), true
}

// Accumulator merges overlapping capture windows into one deduplicated set,
// preserving first-seen order. It is the stream-merge core: a membership map
// for dedup plus an append-only row list for ordering.
type Accumulator struct {
	keyColumns []int
	seen       map[RowIdentity]struct{}
	rows       [][]string
}

// NewAccumulator creates an empty accumulator keyed on the given columns.
func NewAccumulator(keyColumns []int) *Accumulator {
	return &Accumulator{
		keyColumns: keyColumns,
		seen:       make(map[RowIdentity]struct{}),
	}
}

// Add merges one captured row, reporting whether its identity was new.
// Rows without a derivable identity are dropped.
func (a *Accumulator) Add(cells []string) bool {
	id, ok := Identity(cells, a.keyColumns)
	if !ok {
		return false
	}
	if _, dup := a.seen[id]; dup {
		return false
	}
	a.seen[id] = struct{}{}
	a.rows = append(a.rows, cells)
	return true
}

// Len returns the number of unique rows accumulated so far.
func (a *Accumulator) Len() int { return len(a.rows) }

// Rows returns the accumulated rows in first-seen order.
func (a *Accumulator) Rows() [][]string { return a.rows }
