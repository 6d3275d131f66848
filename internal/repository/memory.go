package repository

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"nft-marketplace-api/internal/model"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore implements Store in process memory.
// A transaction holds the store's write lock until it finishes, so readers
// outside the transaction only ever see committed state.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]memoryListing
	proceeds map[common.Address]*big.Int
	events   []model.Event
	cursors  map[string]uint64
	closed   bool
}

type memoryListing struct {
	key     model.ListingKey
	listing model.Listing
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]memoryListing),
		proceeds: make(map[common.Address]*big.Int),
		cursors:  make(map[string]uint64),
	}
}

// GetListing returns the committed listing for key.
func (s *MemoryStore) GetListing(ctx context.Context, key model.ListingKey) (model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getListing(key), nil
}

func (s *MemoryStore) getListing(key model.ListingKey) model.Listing {
	entry, ok := s.listings[key.MapKey()]
	if !ok {
		return model.AbsentListing()
	}
	return entry.listing.Clone()
}

// GetProceeds returns the committed balance of account.
func (s *MemoryStore) GetProceeds(ctx context.Context, account common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProceeds(account), nil
}

func (s *MemoryStore) getProceeds(account common.Address) *big.Int {
	if v, ok := s.proceeds[account]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Begin locks the store for writing and returns the transaction.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("memory store is closed")
	}
	return &memoryTx{store: s, marks: make(map[string]int)}, nil
}

// ListEvents returns committed events after the given sequence number.
func (s *MemoryStore) ListEvents(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Seq n lives at index n-1.
	if after >= uint64(len(s.events)) {
		return []model.Event{}, nil
	}
	start := int(after)
	end := len(s.events)
	if limit > 0 && limit < end-start {
		end = start + limit
	}
	out := make([]model.Event, 0, end-start)
	for _, ev := range s.events[start:end] {
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

// LastEventSeq returns the newest committed sequence number.
func (s *MemoryStore) LastEventSeq(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events)), nil
}

// GetCursor returns the stored position for name, zero if unset.
func (s *MemoryStore) GetCursor(ctx context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[name], nil
}

// SetCursor stores the position for name.
func (s *MemoryStore) SetCursor(ctx context.Context, name string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = seq
	return nil
}

// Stats returns counters about the store contents.
func (s *MemoryStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	funded := 0
	for _, v := range s.proceeds {
		if v.Sign() > 0 {
			funded++
		}
	}
	return map[string]interface{}{
		"backend":         "memory",
		"active_listings": len(s.listings),
		"funded_accounts": funded,
		"total_events":    len(s.events),
		"last_event_seq":  uint64(len(s.events)),
		"cursors":         len(s.cursors),
	}, nil
}

// Ping always succeeds while the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memoryTx applies writes directly to the store and records how to undo
// each of them. Savepoints are positions in the undo journal.
type memoryTx struct {
	store   *MemoryStore
	journal []func()
	marks   map[string]int
	done    bool
}

func (tx *memoryTx) GetListing(ctx context.Context, key model.ListingKey) (model.Listing, error) {
	if tx.done {
		return model.Listing{}, ErrTxDone
	}
	return tx.store.getListing(key), nil
}

func (tx *memoryTx) GetProceeds(ctx context.Context, account common.Address) (*big.Int, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	return tx.store.getProceeds(account), nil
}

func (tx *memoryTx) PutListing(ctx context.Context, key model.ListingKey, listing model.Listing) error {
	if tx.done {
		return ErrTxDone
	}
	mk := key.MapKey()
	prev, existed := tx.store.listings[mk]
	tx.store.listings[mk] = memoryListing{key: model.NewListingKey(key.Asset, key.TokenID), listing: listing.Clone()}
	tx.journal = append(tx.journal, func() {
		if existed {
			tx.store.listings[mk] = prev
		} else {
			delete(tx.store.listings, mk)
		}
	})
	return nil
}

func (tx *memoryTx) DeleteListing(ctx context.Context, key model.ListingKey) error {
	if tx.done {
		return ErrTxDone
	}
	mk := key.MapKey()
	prev, existed := tx.store.listings[mk]
	if !existed {
		return nil
	}
	delete(tx.store.listings, mk)
	tx.journal = append(tx.journal, func() {
		tx.store.listings[mk] = prev
	})
	return nil
}

func (tx *memoryTx) SetProceeds(ctx context.Context, account common.Address, amount *big.Int) error {
	if tx.done {
		return ErrTxDone
	}
	prev, existed := tx.store.proceeds[account]
	if amount == nil || amount.Sign() == 0 {
		delete(tx.store.proceeds, account)
	} else {
		tx.store.proceeds[account] = new(big.Int).Set(amount)
	}
	tx.journal = append(tx.journal, func() {
		if existed {
			tx.store.proceeds[account] = prev
		} else {
			delete(tx.store.proceeds, account)
		}
	})
	return nil
}

func (tx *memoryTx) AppendEvent(ctx context.Context, ev *model.Event) error {
	if tx.done {
		return ErrTxDone
	}
	ev.Seq = uint64(len(tx.store.events)) + 1
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	tx.store.events = append(tx.store.events, copyEvent(*ev))
	n := len(tx.store.events) - 1
	tx.journal = append(tx.journal, func() {
		tx.store.events = tx.store.events[:n]
	})
	return nil
}

func (tx *memoryTx) Savepoint(ctx context.Context, name string) error {
	if tx.done {
		return ErrTxDone
	}
	tx.marks[name] = len(tx.journal)
	return nil
}

func (tx *memoryTx) RollbackTo(ctx context.Context, name string) error {
	if tx.done {
		return ErrTxDone
	}
	mark, ok := tx.marks[name]
	if !ok {
		return fmt.Errorf("no such savepoint: %s", name)
	}
	tx.undo(mark)
	// Savepoints set after the mark no longer exist.
	for n, m := range tx.marks {
		if m > mark {
			delete(tx.marks, n)
		}
	}
	return nil
}

func (tx *memoryTx) Release(ctx context.Context, name string) error {
	if tx.done {
		return ErrTxDone
	}
	mark, ok := tx.marks[name]
	if !ok {
		return fmt.Errorf("no such savepoint: %s", name)
	}
	for n, m := range tx.marks {
		if m >= mark {
			delete(tx.marks, n)
		}
	}
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.finish()
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.undo(0)
	tx.finish()
	return nil
}

func (tx *memoryTx) undo(mark int) {
	for i := len(tx.journal) - 1; i >= mark; i-- {
		tx.journal[i]()
	}
	tx.journal = tx.journal[:mark]
}

func (tx *memoryTx) finish() {
	tx.done = true
	tx.journal = nil
	tx.store.mu.Unlock()
}

func copyEvent(ev model.Event) model.Event {
	if ev.TokenID != nil {
		ev.TokenID = new(big.Int).Set(ev.TokenID)
	}
	if ev.Price != nil {
		ev.Price = new(big.Int).Set(ev.Price)
	}
	return ev
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
