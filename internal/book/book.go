// Package book is the in-memory trade book: open, closed and quarantined
// trades plus the latest account snapshots.
package book

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fxpilot/internal/model"
)

// Book is a thread-safe store of trades keyed by accountID|tradeID.
type Book struct {
	mu       sync.RWMutex
	trades   map[string]map[string]model.Trade // accountID -> tradeID -> Trade
	accounts map[string]model.AccountSnapshot
}

// Snapshot is a point-in-time copy of the book.
type Snapshot struct {
	Accounts    []model.AccountSnapshot `json:"accounts"`
	Open        []model.Trade           `json:"open"`
	Quarantined []model.Trade           `json:"quarantined"`
	Closed      []model.Trade           `json:"closed"`
}

// New creates an empty book.
func New() *Book {
	return &Book{
		trades:   make(map[string]map[string]model.Trade),
		accounts: make(map[string]model.AccountSnapshot),
	}
}

// Add inserts a newly opened trade. Adding an existing trade ID is a no-op
// and reports false.
func (b *Book) Add(t model.Trade) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.trades[t.AccountID]
	if !ok {
		m = make(map[string]model.Trade)
		b.trades[t.AccountID] = m
	}
	if _, exists := m[t.ID]; exists {
		return false
	}
	if t.State == "" {
		t.State = model.StateEntry
	}
	m[t.ID] = t
	return true
}

// Update replaces a trade. The protection state never moves backwards.
func (b *Book) Update(t model.Trade) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.trades[t.AccountID]
	cur, ok := m[t.ID]
	if !ok {
		return fmt.Errorf("trade %s/%s not in book", t.AccountID, t.ID)
	}
	if t.State.Before(cur.State) {
		return fmt.Errorf("trade %s: state %s cannot follow %s", t.ID, t.State, cur.State)
	}
	m[t.ID] = t
	return nil
}

// Get returns a trade.
func (b *Book) Get(accountID, tradeID string) (model.Trade, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.trades[accountID][tradeID]
	return t, ok
}

// ByClientRef finds a trade by its idempotency key.
func (b *Book) ByClientRef(accountID, ref string) (model.Trade, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.trades[accountID] {
		if t.ClientRef == ref {
			return t, true
		}
	}
	return model.Trade{}, false
}

// Open returns the open, non-quarantined trades of one account, or of every
// account when accountID is empty, ordered by open time.
func (b *Book) Open(accountID string) []model.Trade {
	return b.filter(accountID, func(t model.Trade) bool { return t.Open() && !t.Quarantined })
}

// Quarantined returns quarantined trades of every account.
func (b *Book) Quarantined() []model.Trade {
	return b.filter("", func(t model.Trade) bool { return t.Quarantined })
}

// Exposure counts an account's open positions and its open units in one
// instrument. Quarantined trades still count: the broker holds them.
func (b *Book) Exposure(accountID, instrument string) (positions int, units float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.trades[accountID] {
		if !t.Open() {
			continue
		}
		positions++
		if t.Instrument == instrument {
			units += t.Units
		}
	}
	return positions, units
}

// SetAccount stores the latest account snapshot.
func (b *Book) SetAccount(s model.AccountSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[s.ID] = s
}

// Account returns the latest snapshot of an account.
func (b *Book) Account(id string) (model.AccountSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.accounts[id]
	return s, ok
}

// PurgeClosed removes closed trades that closed before olderThan.
func (b *Book) PurgeClosed(olderThan time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for acct, m := range b.trades {
		for id, t := range m {
			if !t.Open() && t.ClosedAt.Before(olderThan) {
				delete(m, id)
				n++
			}
		}
		if len(m) == 0 {
			delete(b.trades, acct)
		}
	}
	return n
}

// Snapshot returns a copy of the whole book.
func (b *Book) Snapshot() Snapshot {
	s := Snapshot{
		Open:        b.Open(""),
		Quarantined: b.Quarantined(),
		Closed:      b.filter("", func(t model.Trade) bool { return !t.Open() && !t.Quarantined }),
	}
	b.mu.RLock()
	for _, a := range b.accounts {
		s.Accounts = append(s.Accounts, a)
	}
	b.mu.RUnlock()
	sort.Slice(s.Accounts, func(i, j int) bool { return s.Accounts[i].ID < s.Accounts[j].ID })
	return s
}

func (b *Book) filter(accountID string, keep func(model.Trade) bool) []model.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Trade, 0)
	for acct, m := range b.trades {
		if accountID != "" && acct != accountID {
			continue
		}
		for _, t := range m {
			if keep(t) {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
