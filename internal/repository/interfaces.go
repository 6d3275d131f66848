package repository

import (
	"context"
	"errors"
	"math/big"

	"nft-marketplace-api/internal/model"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTxDone is returned by any call on a transaction that was already
// committed or rolled back.
var ErrTxDone = errors.New("transaction already finished")

// Reader exposes the ledger state.
type Reader interface {
	// GetListing returns the listing for key, or model.AbsentListing() when none.
	GetListing(ctx context.Context, key model.ListingKey) (model.Listing, error)

	// GetProceeds returns the withdrawable balance of account (zero by default).
	GetProceeds(ctx context.Context, account common.Address) (*big.Int, error)
}

// Tx is one atomic unit of work against the ledger.
// Reads through a Tx observe its own uncommitted writes.
type Tx interface {
	Reader

	PutListing(ctx context.Context, key model.ListingKey, listing model.Listing) error
	DeleteListing(ctx context.Context, key model.ListingKey) error
	SetProceeds(ctx context.Context, account common.Address, amount *big.Int) error

	// AppendEvent assigns the next sequence number to ev and records it.
	AppendEvent(ctx context.Context, ev *model.Event) error

	// Savepoint marks the current state under name. RollbackTo undoes every
	// write made after the mark and keeps the mark; Release forgets it.
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error

	Commit() error
	Rollback() error
}

// Store is the durable home of the listing registry, the proceeds ledger and
// the event log.
type Store interface {
	Reader

	// Begin opens a transaction. Only one transaction writes at a time.
	Begin(ctx context.Context) (Tx, error)

	// ListEvents returns up to limit committed events with Seq > after,
	// in sequence order.
	ListEvents(ctx context.Context, after uint64, limit int) ([]model.Event, error)

	// LastEventSeq returns the sequence number of the newest committed event.
	LastEventSeq(ctx context.Context) (uint64, error)

	// GetCursor and SetCursor persist named positions in the event log.
	GetCursor(ctx context.Context, name string) (uint64, error)
	SetCursor(ctx context.Context, name string, seq uint64) error

	// Stats returns statistics about the store.
	Stats(ctx context.Context) (map[string]interface{}, error)

	Ping(ctx context.Context) error
	Close() error
}
