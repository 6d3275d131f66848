package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nft-marketplace-api/internal/metrics"
	"nft-marketplace-api/internal/model"
	"nft-marketplace-api/internal/repository"
	"nft-marketplace-api/pkg/wei"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Operation names, as used in errors, logs and metrics.
const (
	OpListItem         = "ListItem"
	OpCancelListing    = "CancelListing"
	OpUpdateListing    = "UpdateListing"
	OpBuyItem          = "BuyItem"
	OpWithdrawProceeds = "WithdrawProceeds"
)

// AssetRegistry is the external authority on NFT ownership.
type AssetRegistry interface {
	// OwnerOf returns the current owner. Unknown tokens yield an error
	// wrapping model.ErrNonexistentToken.
	OwnerOf(ctx context.Context, asset common.Address, tokenID *big.Int) (common.Address, error)

	// IsApprovedForMarketplace reports whether the marketplace may move the
	// token on behalf of owner.
	IsApprovedForMarketplace(ctx context.Context, asset common.Address, tokenID *big.Int, owner common.Address) (bool, error)

	// Transfer atomically moves the token. It fails if from is not the owner.
	Transfer(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error
}

// Payer moves native currency between buyers, the marketplace and sellers.
type Payer interface {
	// Collect takes amount from a buyer into marketplace custody. It fails
	// when the buyer has not paid or cannot pay.
	Collect(ctx context.Context, from common.Address, amount *big.Int) error

	// Refund returns a collected amount to the buyer. It never calls back
	// into the marketplace.
	Refund(ctx context.Context, to common.Address, amount *big.Int) error

	// Pay hands custody funds to an account. The recipient may reject it.
	Pay(ctx context.Context, to common.Address, amount *big.Int) error
}

// MarketplaceService owns the listing registry and the proceeds ledger.
//
// Mutations are serialized by a single-writer lock and each runs inside one
// store transaction. The transaction travels in the context handed to the
// registry and the payer: a collaborator calling back into the service with
// that context joins the running transaction behind a savepoint and sees
// every effect already applied. A joined call may only touch the ledger:
// BuyItem and WithdrawProceeds move value outside the store, which a
// savepoint cannot take back, so they fail with ErrReentrantCall there.
// Collaborators must re-enter on the calling goroutine and with the context
// they were given.
type MarketplaceService struct {
	store    repository.Store
	registry AssetRegistry
	payer    Payer
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
	onCommit func()

	mu          sync.RWMutex
	savepointID atomic.Uint64
}

// Option configures a MarketplaceService.
type Option func(*MarketplaceService)

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *MarketplaceService) { s.log = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *MarketplaceService) { s.metrics = m }
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *MarketplaceService) { s.now = now }
}

// WithCommitHook registers fn to run after every committed mutation.
// It is called with the write lock held and must not block.
func WithCommitHook(fn func()) Option {
	return func(s *MarketplaceService) { s.onCommit = fn }
}

// NewMarketplaceService creates the marketplace core.
func NewMarketplaceService(store repository.Store, registry AssetRegistry, payer Payer, opts ...Option) *MarketplaceService {
	s := &MarketplaceService{
		store:    store,
		registry: registry,
		payer:    payer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithField("component", "marketplace")
	return s
}

// txScope is the running transaction as seen by re-entrant calls.
type txScope struct {
	owner *MarketplaceService
	tx    repository.Tx
	done  atomic.Bool

	// Undo steps for external effects, run newest first on rollback.
	undo []func(ctx context.Context) error
	// External hand-offs that cannot be undone, kept for reconciliation.
	settled []logrus.Fields
}

// onRollback registers fn to undo an external effect if the transaction
// does not commit.
func (sc *txScope) onRollback(fn func(ctx context.Context) error) {
	sc.undo = append(sc.undo, fn)
}

// settle records an external hand-off that the ledger must agree with.
func (sc *txScope) settle(fields logrus.Fields) {
	sc.settled = append(sc.settled, fields)
}

type (
	scopeKey  struct{}
	nestedKey struct{}
)

// scope returns the live transaction carried by ctx, if any.
func (s *MarketplaceService) scope(ctx context.Context) *txScope {
	sc, ok := ctx.Value(scopeKey{}).(*txScope)
	if !ok || sc.owner != s || sc.done.Load() {
		return nil
	}
	return sc
}

// isNested reports whether ctx belongs to a call that joined a running
// transaction behind a savepoint.
func (s *MarketplaceService) isNested(ctx context.Context) bool {
	sc := s.scope(ctx)
	return sc != nil && ctx.Value(nestedKey{}) == sc
}

// execute runs fn atomically and records the outcome.
func (s *MarketplaceService) execute(ctx context.Context, op string, fn func(ctx context.Context, tx repository.Tx) error) error {
	start := time.Now()
	var err error
	if sc := s.scope(ctx); sc != nil {
		err = s.nested(ctx, sc, fn)
	} else {
		err = s.atomically(ctx, fn)
	}

	result := "ok"
	if err != nil {
		result = strings.ToLower(Code(err))
	}
	s.metrics.ObserveOperation(op, result, time.Since(start))
	return err
}

func (s *MarketplaceService) atomically(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}

	sc := &txScope{owner: s, tx: tx}
	defer sc.done.Store(true)

	if err := fn(context.WithValue(ctx, scopeKey{}, sc), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.WithError(rbErr).Error("Rollback failed")
		}
		s.compensate(ctx, sc)
		return err
	}
	if err := tx.Commit(); err != nil {
		if len(sc.settled) == 0 {
			s.compensate(ctx, sc)
			return err
		}
		// The ledger no longer matches what left the marketplace.
		for _, fields := range sc.settled {
			s.log.WithFields(fields).WithError(err).Error("Commit failed after external hand-off, reconcile manually")
		}
		return err
	}
	if s.onCommit != nil {
		s.onCommit()
	}
	return nil
}

// compensate runs the undo steps of a transaction that did not commit.
func (s *MarketplaceService) compensate(ctx context.Context, sc *txScope) {
	ctx = context.WithoutCancel(ctx)
	for i := len(sc.undo) - 1; i >= 0; i-- {
		if err := sc.undo[i](ctx); err != nil {
			s.log.WithError(err).Error("Compensation failed, reconcile manually")
		}
	}
}

// nested runs fn inside the caller's transaction. A failure undoes only the
// writes fn made.
func (s *MarketplaceService) nested(ctx context.Context, sc *txScope, fn func(ctx context.Context, tx repository.Tx) error) error {
	name := fmt.Sprintf("sp_%d", s.savepointID.Add(1))
	if err := sc.tx.Savepoint(ctx, name); err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, nestedKey{}, sc), sc.tx); err != nil {
		if rbErr := sc.tx.RollbackTo(ctx, name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if relErr := sc.tx.Release(ctx, name); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	return sc.tx.Release(ctx, name)
}

// reader returns the state visible to ctx and a function releasing it.
func (s *MarketplaceService) reader(ctx context.Context) (repository.Reader, func()) {
	if sc := s.scope(ctx); sc != nil {
		return sc.tx, func() {}
	}
	s.mu.RLock()
	return s.store, s.mu.RUnlock
}

// GetListing returns the listing for (asset, tokenID), or a listing with
// price zero when none is active.
func (s *MarketplaceService) GetListing(ctx context.Context, asset common.Address, tokenID *big.Int) (model.Listing, error) {
	r, release := s.reader(ctx)
	defer release()
	return r.GetListing(ctx, model.NewListingKey(asset, tokenID))
}

// GetProceeds returns the withdrawable balance of account.
func (s *MarketplaceService) GetProceeds(ctx context.Context, account common.Address) (*big.Int, error) {
	r, release := s.reader(ctx)
	defer release()
	return r.GetProceeds(ctx, account)
}

// ListItem offers the caller's token for sale at price.
func (s *MarketplaceService) ListItem(ctx context.Context, asset common.Address, tokenID, price *big.Int, caller common.Address) error {
	key := model.NewListingKey(asset, tokenID)
	fail := func(err error) error {
		return &MarketError{Op: OpListItem, Asset: asset, TokenID: key.TokenID, Account: caller, Price: price, Err: err}
	}

	return s.execute(ctx, OpListItem, func(ctx context.Context, tx repository.Tx) error {
		if err := checkTokenID(tokenID); err != nil {
			return fail(err)
		}
		if err := checkPrice(price); err != nil {
			return fail(err)
		}

		current, err := tx.GetListing(ctx, key)
		if err != nil {
			return fail(err)
		}
		if current.IsListed() {
			return fail(ErrAlreadyListed)
		}

		owner, err := s.registry.OwnerOf(ctx, asset, key.TokenID)
		if err != nil {
			if errors.Is(err, model.ErrNonexistentToken) {
				return fail(fmt.Errorf("%w: %w", ErrNotOwner, err))
			}
			return fail(fmt.Errorf("owner lookup: %w", err))
		}
		if owner != caller {
			return fail(ErrNotOwner)
		}

		approved, err := s.registry.IsApprovedForMarketplace(ctx, asset, key.TokenID, owner)
		if err != nil {
			return fail(fmt.Errorf("approval lookup: %w", err))
		}
		if !approved {
			return fail(ErrNotApprovedForMarketplace)
		}

		if err := tx.PutListing(ctx, key, model.Listing{Price: wei.Copy(price), Seller: caller}); err != nil {
			return fail(err)
		}
		if err := s.emit(ctx, tx, model.EventItemListed, caller, common.Address{}, key, price); err != nil {
			return fail(err)
		}

		s.log.WithFields(logrus.Fields{"listing": key.String(), "seller": caller.Hex(), "price": price.String()}).Info("Item listed")
		return nil
	})
}

// CancelListing withdraws the caller's active listing.
func (s *MarketplaceService) CancelListing(ctx context.Context, asset common.Address, tokenID *big.Int, caller common.Address) error {
	key := model.NewListingKey(asset, tokenID)
	fail := func(err error) error {
		return &MarketError{Op: OpCancelListing, Asset: asset, TokenID: key.TokenID, Account: caller, Err: err}
	}

	return s.execute(ctx, OpCancelListing, func(ctx context.Context, tx repository.Tx) error {
		listing, err := s.ownedListing(ctx, tx, key, caller)
		if err != nil {
			return fail(err)
		}

		if err := tx.DeleteListing(ctx, key); err != nil {
			return fail(err)
		}
		if err := s.emit(ctx, tx, model.EventItemCanceled, listing.Seller, common.Address{}, key, nil); err != nil {
			return fail(err)
		}

		s.log.WithFields(logrus.Fields{"listing": key.String(), "seller": caller.Hex()}).Info("Listing canceled")
		return nil
	})
}

// UpdateListing changes the price of the caller's active listing. It emits
// ItemListed, so indexers treat it as a fresh listing.
func (s *MarketplaceService) UpdateListing(ctx context.Context, asset common.Address, tokenID, newPrice *big.Int, caller common.Address) error {
	key := model.NewListingKey(asset, tokenID)
	fail := func(err error) error {
		return &MarketError{Op: OpUpdateListing, Asset: asset, TokenID: key.TokenID, Account: caller, Price: newPrice, Err: err}
	}

	return s.execute(ctx, OpUpdateListing, func(ctx context.Context, tx repository.Tx) error {
		listing, err := s.ownedListing(ctx, tx, key, caller)
		if err != nil {
			return fail(err)
		}
		if err := checkPrice(newPrice); err != nil {
			return fail(err)
		}

		listing.Price = wei.Copy(newPrice)
		if err := tx.PutListing(ctx, key, listing); err != nil {
			return fail(err)
		}
		if err := s.emit(ctx, tx, model.EventItemListed, listing.Seller, common.Address{}, key, newPrice); err != nil {
			return fail(err)
		}

		s.log.WithFields(logrus.Fields{"listing": key.String(), "seller": caller.Hex(), "price": newPrice.String()}).Info("Listing updated")
		return nil
	})
}

// BuyItem purchases a listed token for exactly its price. The price is
// collected from the caller, the seller credited, the listing cleared and
// the sale recorded before the token is transferred. A collected payment is
// refunded when the purchase does not commit.
func (s *MarketplaceService) BuyItem(ctx context.Context, asset common.Address, tokenID *big.Int, caller common.Address, amountSent *big.Int) error {
	key := model.NewListingKey(asset, tokenID)
	fail := func(price *big.Int, err error) error {
		return &MarketError{Op: OpBuyItem, Asset: asset, TokenID: key.TokenID, Account: caller, Price: price, Amount: amountSent, Err: err}
	}

	return s.execute(ctx, OpBuyItem, func(ctx context.Context, tx repository.Tx) error {
		listing, err := tx.GetListing(ctx, key)
		if err != nil {
			return fail(nil, err)
		}
		if !listing.IsListed() {
			return fail(nil, ErrNotListed)
		}
		if amountSent == nil || amountSent.Cmp(listing.Price) != 0 {
			return fail(listing.Price, ErrPriceNotMet)
		}

		balance, err := tx.GetProceeds(ctx, listing.Seller)
		if err != nil {
			return fail(listing.Price, err)
		}
		credited, err := wei.Add(balance, listing.Price)
		if err != nil {
			return fail(listing.Price, ErrAmountOutOfRange)
		}
		if s.isNested(ctx) {
			return fail(listing.Price, ErrReentrantCall)
		}

		sc := s.scope(ctx)
		price := wei.Copy(listing.Price)
		if err := s.payer.Collect(ctx, caller, price); err != nil {
			return fail(listing.Price, fmt.Errorf("%w: %w", ErrPaymentNotCollected, err))
		}
		sc.onRollback(func(ctx context.Context) error {
			return s.payer.Refund(ctx, caller, price)
		})

		if err := tx.SetProceeds(ctx, listing.Seller, credited); err != nil {
			return fail(listing.Price, err)
		}
		if err := tx.DeleteListing(ctx, key); err != nil {
			return fail(listing.Price, err)
		}
		if err := s.emit(ctx, tx, model.EventItemBought, listing.Seller, caller, key, listing.Price); err != nil {
			return fail(listing.Price, err)
		}

		fields := logrus.Fields{
			"listing": key.String(),
			"seller":  listing.Seller.Hex(),
			"buyer":   caller.Hex(),
			"price":   listing.Price.String(),
		}
		if err := s.registry.Transfer(ctx, asset, key.TokenID, listing.Seller, caller); err != nil {
			return fail(listing.Price, fmt.Errorf("%w: %w", ErrTransferFailed, err))
		}
		sc.settle(fields)

		s.log.WithFields(fields).Info("Item bought")
		return nil
	})
}

// WithdrawProceeds pays the caller's whole balance out and returns the amount
// paid. The balance is zeroed before the payer is invoked.
func (s *MarketplaceService) WithdrawProceeds(ctx context.Context, caller common.Address) (*big.Int, error) {
	var paid *big.Int
	err := s.execute(ctx, OpWithdrawProceeds, func(ctx context.Context, tx repository.Tx) error {
		balance, err := tx.GetProceeds(ctx, caller)
		if err != nil {
			return &MarketError{Op: OpWithdrawProceeds, Account: caller, Err: err}
		}
		if balance.Sign() == 0 {
			return &MarketError{Op: OpWithdrawProceeds, Account: caller, Err: ErrNoProceeds}
		}
		if s.isNested(ctx) {
			return &MarketError{Op: OpWithdrawProceeds, Account: caller, Amount: balance, Err: ErrReentrantCall}
		}

		if err := tx.SetProceeds(ctx, caller, wei.Zero()); err != nil {
			return &MarketError{Op: OpWithdrawProceeds, Account: caller, Amount: balance, Err: err}
		}
		if err := s.payer.Pay(ctx, caller, wei.Copy(balance)); err != nil {
			return &MarketError{Op: OpWithdrawProceeds, Account: caller, Amount: balance, Err: fmt.Errorf("%w: %w", ErrTransferFailed, err)}
		}

		paid = balance
		fields := logrus.Fields{"account": caller.Hex(), "amount": balance.String()}
		s.scope(ctx).settle(fields)
		s.log.WithFields(fields).Info("Proceeds withdrawn")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// ownedListing loads the active listing for key and checks caller sold it.
func (s *MarketplaceService) ownedListing(ctx context.Context, tx repository.Tx, key model.ListingKey, caller common.Address) (model.Listing, error) {
	listing, err := tx.GetListing(ctx, key)
	if err != nil {
		return model.Listing{}, err
	}
	if !listing.IsListed() {
		return model.Listing{}, ErrNotListed
	}
	if listing.Seller != caller {
		return model.Listing{}, ErrNotOwner
	}
	return listing, nil
}

func (s *MarketplaceService) emit(ctx context.Context, tx repository.Tx, typ model.EventType, seller, buyer common.Address, key model.ListingKey, price *big.Int) error {
	ev := &model.Event{
		Type:      typ,
		Seller:    seller,
		Buyer:     buyer,
		Asset:     key.Asset,
		TokenID:   key.TokenID,
		CreatedAt: s.now().UTC(),
	}
	if price != nil {
		ev.Price = wei.Copy(price)
	}
	return tx.AppendEvent(ctx, ev)
}

func checkPrice(price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrPriceMustBeAboveZero
	}
	if !wei.InRange(price) {
		return ErrAmountOutOfRange
	}
	return nil
}

func checkTokenID(tokenID *big.Int) error {
	if tokenID != nil && !wei.InRange(tokenID) {
		return ErrAmountOutOfRange
	}
	return nil
}
