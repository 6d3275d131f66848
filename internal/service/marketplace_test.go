package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"nft-marketplace-api/internal/devnet"
	"nft-marketplace-api/internal/model"
	"nft-marketplace-api/internal/repository"
	"nft-marketplace-api/pkg/wei"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

var (
	marketAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	nftAddr    = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	seller     = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	buyer      = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	stranger   = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

// Wallet balance every harness gives the buyer.
const buyerFunds = 1000

type harness struct {
	svc    *MarketplaceService
	store  repository.Store
	reg    *devnet.Registry
	wallet *devnet.Wallet
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// forEachBackend runs fn with a fresh marketplace on every store that works
// without a server.
func forEachBackend(t *testing.T, fn func(t *testing.T, h *harness)) {
	t.Helper()

	backends := []struct {
		name string
		open func(t *testing.T) repository.Store
	}{
		{"memory", func(t *testing.T) repository.Store { return repository.NewMemoryStore() }},
		{"sqlite", func(t *testing.T) repository.Store {
			s, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "market.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			return s
		}},
	}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			store := b.open(t)
			t.Cleanup(func() { store.Close() })

			reg := devnet.NewRegistry(marketAddr)
			reg.Deploy(nftAddr, "BasicNft")
			wallet := devnet.NewWallet()
			wallet.Fund(buyer, big.NewInt(buyerFunds))

			fn(t, &harness{
				svc:    NewMarketplaceService(store, reg, wallet, WithLogger(quietLogger())),
				store:  store,
				reg:    reg,
				wallet: wallet,
			})
		})
	}
}

// mintApproved mints a token for owner and approves the marketplace.
func (h *harness) mintApproved(t *testing.T, owner common.Address) *big.Int {
	t.Helper()
	id, err := h.reg.Mint(nftAddr, owner)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if err := h.reg.Approve(nftAddr, id, owner, marketAddr); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	return id
}

// listed mints, approves and lists a token for seller at price.
func (h *harness) listed(t *testing.T, price int64) *big.Int {
	t.Helper()
	id := h.mintApproved(t, seller)
	if err := h.svc.ListItem(context.Background(), nftAddr, id, big.NewInt(price), seller); err != nil {
		t.Fatalf("ListItem() error = %v", err)
	}
	return id
}

func (h *harness) events(t *testing.T) []model.Event {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	return events
}

func (h *harness) listing(t *testing.T, id *big.Int) model.Listing {
	t.Helper()
	l, err := h.svc.GetListing(context.Background(), nftAddr, id)
	if err != nil {
		t.Fatalf("GetListing() error = %v", err)
	}
	return l
}

func (h *harness) proceeds(t *testing.T, account common.Address) *big.Int {
	t.Helper()
	p, err := h.svc.GetProceeds(context.Background(), account)
	if err != nil {
		t.Fatalf("GetProceeds() error = %v", err)
	}
	return p
}

func (h *harness) owner(t *testing.T, id *big.Int) common.Address {
	t.Helper()
	o, err := h.reg.OwnerOf(context.Background(), nftAddr, id)
	if err != nil {
		t.Fatalf("OwnerOf() error = %v", err)
	}
	return o
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("error = %v, want %v", err, target)
	}
	var me *MarketError
	if !errors.As(err, &me) {
		t.Fatalf("error %v is not a *MarketError", err)
	}
}

func TestListItem_Validation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		approved := h.mintApproved(t, seller)
		unapproved, _ := h.reg.Mint(nftAddr, seller)
		tooBig := new(big.Int).Add(wei.MaxUint256, big.NewInt(1))

		tests := []struct {
			name    string
			tokenID *big.Int
			price   *big.Int
			caller  common.Address
			want    error
		}{
			{"zero price", approved, big.NewInt(0), seller, ErrPriceMustBeAboveZero},
			{"negative price", approved, big.NewInt(-5), seller, ErrPriceMustBeAboveZero},
			{"nil price", approved, nil, seller, ErrPriceMustBeAboveZero},
			{"price above uint256", approved, tooBig, seller, ErrAmountOutOfRange},
			{"token id above uint256", tooBig, big.NewInt(1), seller, ErrAmountOutOfRange},
			{"not owner", approved, big.NewInt(10), stranger, ErrNotOwner},
			{"nonexistent token", big.NewInt(404), big.NewInt(10), seller, ErrNotOwner},
			{"not approved", unapproved, big.NewInt(10), seller, ErrNotApprovedForMarketplace},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := h.svc.ListItem(ctx, nftAddr, tt.tokenID, tt.price, tt.caller)
				wantErr(t, err, tt.want)
			})
		}

		if n := len(h.events(t)); n != 0 {
			t.Errorf("failed listings emitted %d events, want 0", n)
		}
	})
}

func TestListItem_ZeroPriceCheckedFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		unapproved, _ := h.reg.Mint(nftAddr, seller)
		err := h.svc.ListItem(context.Background(), nftAddr, unapproved, big.NewInt(0), stranger)
		wantErr(t, err, ErrPriceMustBeAboveZero)
	})
}

func TestListItem_RoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		id := h.listed(t, 10)

		got := h.listing(t, id)
		if got.Price.Int64() != 10 || got.Seller != seller {
			t.Errorf("GetListing() = {%s %s}, want {10 %s}", got.Price, got.Seller.Hex(), seller.Hex())
		}

		events := h.events(t)
		if len(events) != 1 {
			t.Fatalf("len(events) = %d, want 1", len(events))
		}
		ev := events[0]
		if ev.Type != model.EventItemListed || ev.Seller != seller || ev.Asset != nftAddr || ev.TokenID.Cmp(id) != 0 || ev.Price.Int64() != 10 {
			t.Errorf("event = %+v, want ItemListed(%s, %s, %s, 10)", ev, seller.Hex(), nftAddr.Hex(), id)
		}
	})
}

func TestListItem_Twice(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		id := h.listed(t, 10)
		err := h.svc.ListItem(context.Background(), nftAddr, id, big.NewInt(20), seller)
		wantErr(t, err, ErrAlreadyListed)

		if got := h.listing(t, id); got.Price.Int64() != 10 {
			t.Errorf("price after rejected relist = %s, want 10", got.Price)
		}
	})
}

func TestListItem_OperatorApproval(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		id, _ := h.reg.Mint(nftAddr, seller)
		h.reg.SetApprovalForAll(nftAddr, seller, marketAddr, true)
		if err := h.svc.ListItem(context.Background(), nftAddr, id, big.NewInt(1), seller); err != nil {
			t.Fatalf("ListItem() with operator approval error = %v", err)
		}
	})
}

func TestBuyItem_Scenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)

		if err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10)); err != nil {
			t.Fatalf("BuyItem() error = %v", err)
		}

		if got := h.listing(t, id); got.IsListed() || got.Price.Sign() != 0 {
			t.Errorf("listing after buy = %+v, want absent", got)
		}
		if got := h.proceeds(t, seller); got.Int64() != 10 {
			t.Errorf("GetProceeds(seller) = %s, want 10", got)
		}
		if got := h.owner(t, id); got != buyer {
			t.Errorf("owner = %s, want buyer %s", got.Hex(), buyer.Hex())
		}
		if got := h.reg.BalanceOf(nftAddr, buyer); got != 1 {
			t.Errorf("BalanceOf(buyer) = %d, want 1", got)
		}

		events := h.events(t)
		last := events[len(events)-1]
		if last.Type != model.EventItemBought || last.Buyer != buyer || last.Seller != seller || last.Price.Int64() != 10 {
			t.Errorf("last event = %+v, want ItemBought by %s", last, buyer.Hex())
		}

		err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10))
		wantErr(t, err, ErrNotListed)
	})
}

func TestBuyItem_ExactPayment(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)
		eventsBefore := len(h.events(t))

		for _, amount := range []*big.Int{big.NewInt(9), big.NewInt(11), big.NewInt(0), nil} {
			err := h.svc.BuyItem(ctx, nftAddr, id, buyer, amount)
			wantErr(t, err, ErrPriceNotMet)

			var me *MarketError
			errors.As(err, &me)
			if me.Price == nil || me.Price.Int64() != 10 {
				t.Errorf("MarketError.Price = %v, want 10", me.Price)
			}
		}

		if got := h.listing(t, id); got.Price.Int64() != 10 {
			t.Errorf("listing changed: %+v", got)
		}
		if got := h.proceeds(t, seller); got.Sign() != 0 {
			t.Errorf("proceeds changed: %s", got)
		}
		if got := h.owner(t, id); got != seller {
			t.Errorf("owner changed to %s", got.Hex())
		}
		if got := len(h.events(t)); got != eventsBefore {
			t.Errorf("events = %d, want %d", got, eventsBefore)
		}
	})
}

func TestBuyItem_NotListed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		id := h.mintApproved(t, seller)
		err := h.svc.BuyItem(context.Background(), nftAddr, id, buyer, big.NewInt(10))
		wantErr(t, err, ErrNotListed)
	})
}

func TestBuyItem_SelfPurchase(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		id := h.listed(t, 10)
		h.wallet.Fund(seller, big.NewInt(10))
		if err := h.svc.BuyItem(context.Background(), nftAddr, id, seller, big.NewInt(10)); err != nil {
			t.Fatalf("BuyItem() by seller error = %v", err)
		}
		if got := h.proceeds(t, seller); got.Int64() != 10 {
			t.Errorf("GetProceeds(seller) = %s, want 10", got)
		}
	})
}

func TestBuyItem_TransferFailureRollsBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)
		// The seller revokes the approval after listing.
		if err := h.reg.Approve(nftAddr, id, seller, common.Address{}); err != nil {
			t.Fatalf("Approve(zero) error = %v", err)
		}
		eventsBefore := len(h.events(t))

		err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10))
		wantErr(t, err, ErrTransferFailed)
		if !errors.Is(err, devnet.ErrNotAuthorized) {
			t.Errorf("error %v does not keep the registry cause", err)
		}
		if Code(err) != CodeTransferFailed {
			t.Errorf("Code() = %s, want %s", Code(err), CodeTransferFailed)
		}

		if got := h.listing(t, id); got.Price.Int64() != 10 || got.Seller != seller {
			t.Errorf("listing after failed buy = %+v, want restored", got)
		}
		if got := h.proceeds(t, seller); got.Sign() != 0 {
			t.Errorf("proceeds after failed buy = %s, want 0", got)
		}
		if got := h.owner(t, id); got != seller {
			t.Errorf("owner after failed buy = %s, want seller", got.Hex())
		}
		if got := len(h.events(t)); got != eventsBefore {
			t.Errorf("events = %d, want %d", got, eventsBefore)
		}
		if got := h.wallet.BalanceOf(buyer); got.Int64() != buyerFunds {
			t.Errorf("buyer wallet after failed buy = %s, want %d refunded", got, buyerFunds)
		}
		if got := h.wallet.Custody(); got.Sign() != 0 {
			t.Errorf("custody after failed buy = %s, want 0", got)
		}
	})
}

func TestBuyItem_ProceedsOverflow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		tx, _ := h.store.Begin(ctx)
		tx.SetProceeds(ctx, seller, wei.MaxUint256)
		tx.Commit()

		id := h.listed(t, 1)
		err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(1))
		wantErr(t, err, ErrAmountOutOfRange)
		if got := h.listing(t, id); !got.IsListed() {
			t.Error("listing cleared by overflowing buy")
		}
		if got := h.wallet.BalanceOf(buyer); got.Int64() != buyerFunds {
			t.Errorf("buyer wallet = %s, want %d", got, buyerFunds)
		}
	})
}

func TestBuyItem_CollectsPayment(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)

		if err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10)); err != nil {
			t.Fatalf("BuyItem() error = %v", err)
		}
		if got := h.wallet.BalanceOf(buyer); got.Int64() != buyerFunds-10 {
			t.Errorf("buyer wallet = %s, want %d", got, buyerFunds-10)
		}
		if got := h.wallet.Custody(); got.Int64() != 10 {
			t.Errorf("custody = %s, want 10", got)
		}

		if _, err := h.svc.WithdrawProceeds(ctx, seller); err != nil {
			t.Fatalf("WithdrawProceeds() error = %v", err)
		}
		if got := h.wallet.BalanceOf(seller); got.Int64() != 10 {
			t.Errorf("seller wallet = %s, want 10", got)
		}
		if got := h.wallet.Custody(); got.Sign() != 0 {
			t.Errorf("custody after payout = %s, want 0", got)
		}
	})
}

func TestBuyItem_UnfundedBuyerRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)
		eventsBefore := len(h.events(t))

		err := h.svc.BuyItem(ctx, nftAddr, id, stranger, big.NewInt(10))
		wantErr(t, err, ErrPaymentNotCollected)
		if !errors.Is(err, devnet.ErrInsufficientFunds) {
			t.Errorf("error %v does not keep the payer cause", err)
		}
		if Code(err) != CodePaymentNotCollected {
			t.Errorf("Code() = %s, want %s", Code(err), CodePaymentNotCollected)
		}

		if got := h.listing(t, id); got.Price.Int64() != 10 || got.Seller != seller {
			t.Errorf("listing = %+v, want unchanged", got)
		}
		if got := h.proceeds(t, seller); got.Sign() != 0 {
			t.Errorf("proceeds = %s, want 0", got)
		}
		if got := h.owner(t, id); got != seller {
			t.Errorf("owner = %s, want seller", got.Hex())
		}
		if got := len(h.events(t)); got != eventsBefore {
			t.Errorf("events = %d, want %d", got, eventsBefore)
		}
		if got := h.wallet.Custody(); got.Sign() != 0 {
			t.Errorf("custody = %s, want 0", got)
		}
	})
}

var errStoreFault = errors.New("store fault")

// faultyStore fails chosen steps of the transactions it hands out.
type faultyStore struct {
	repository.Store
	failAppend model.EventType
	failCommit bool
}

func (s *faultyStore) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, store: s}, nil
}

type faultyTx struct {
	repository.Tx
	store *faultyStore
}

func (tx *faultyTx) AppendEvent(ctx context.Context, ev *model.Event) error {
	if ev.Type == tx.store.failAppend {
		return errStoreFault
	}
	return tx.Tx.AppendEvent(ctx, ev)
}

func (tx *faultyTx) Commit() error {
	if tx.store.failCommit {
		tx.Tx.Rollback()
		return errStoreFault
	}
	return tx.Tx.Commit()
}

func TestBuyItem_EventFailureKeepsToken(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)
		svc := NewMarketplaceService(&faultyStore{Store: h.store, failAppend: model.EventItemBought}, h.reg, h.wallet, WithLogger(quietLogger()))

		transfers := 0
		h.reg.OnReceive(buyer, func(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
			transfers++
			return nil
		})

		err := svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10))
		if !errors.Is(err, errStoreFault) {
			t.Fatalf("BuyItem() error = %v, want %v", err, errStoreFault)
		}
		if transfers != 0 {
			t.Errorf("token transferred %d times, want 0", transfers)
		}
		if got := h.owner(t, id); got != seller {
			t.Errorf("owner = %s, want seller", got.Hex())
		}
		if got := h.listing(t, id); got.Price.Int64() != 10 {
			t.Errorf("listing = %+v, want restored", got)
		}
		if got := h.proceeds(t, seller); got.Sign() != 0 {
			t.Errorf("proceeds = %s, want 0", got)
		}
		if got := h.wallet.BalanceOf(buyer); got.Int64() != buyerFunds {
			t.Errorf("buyer wallet = %s, want %d refunded", got, buyerFunds)
		}
	})
}

func TestBuyItem_CommitFailureAfterTransferIsLogged(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)
		logger, hook := logtest.NewNullLogger()
		svc := NewMarketplaceService(&faultyStore{Store: h.store, failCommit: true}, h.reg, h.wallet, WithLogger(logger))

		err := svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10))
		if !errors.Is(err, errStoreFault) {
			t.Fatalf("BuyItem() error = %v, want %v", err, errStoreFault)
		}

		entry := hook.LastEntry()
		if entry == nil || entry.Level != logrus.ErrorLevel {
			t.Fatalf("last log entry = %+v, want an error", entry)
		}
		if entry.Data["listing"] != model.NewListingKey(nftAddr, id).String() || entry.Data["price"] != "10" || entry.Data["buyer"] != buyer.Hex() {
			t.Errorf("log fields = %v, want listing, buyer and price", entry.Data)
		}

		// The token moved, so the payment stays with the marketplace until
		// the sale is reconciled.
		if got := h.owner(t, id); got != buyer {
			t.Errorf("owner = %s, want buyer", got.Hex())
		}
		if got := h.wallet.Custody(); got.Int64() != 10 {
			t.Errorf("custody = %s, want 10", got)
		}
	})
}

func TestUpdateListing_Scenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)

		if err := h.svc.UpdateListing(ctx, nftAddr, id, big.NewInt(20), seller); err != nil {
			t.Fatalf("UpdateListing() error = %v", err)
		}
		got := h.listing(t, id)
		if got.Price.Int64() != 20 || got.Seller != seller {
			t.Errorf("GetListing() = {%s %s}, want {20 %s}", got.Price, got.Seller.Hex(), seller.Hex())
		}

		events := h.events(t)
		if last := events[len(events)-1]; last.Type != model.EventItemListed || last.Price.Int64() != 20 {
			t.Errorf("update emitted %+v, want ItemListed at 20", last)
		}

		wantErr(t, h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10)), ErrPriceNotMet)
		if err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(20)); err != nil {
			t.Fatalf("BuyItem(20) error = %v", err)
		}
	})
}

func TestUpdateListing_Errors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)
		unlisted := h.mintApproved(t, seller)

		tests := []struct {
			name    string
			tokenID *big.Int
			price   *big.Int
			caller  common.Address
			want    error
		}{
			{"not listed", unlisted, big.NewInt(5), seller, ErrNotListed},
			{"not seller", id, big.NewInt(5), stranger, ErrNotOwner},
			{"zero price", id, big.NewInt(0), seller, ErrPriceMustBeAboveZero},
			{"price above uint256", id, new(big.Int).Add(wei.MaxUint256, big.NewInt(1)), seller, ErrAmountOutOfRange},
			// Ownership is checked before the price.
			{"not seller and zero price", id, big.NewInt(0), stranger, ErrNotOwner},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				wantErr(t, h.svc.UpdateListing(ctx, nftAddr, tt.tokenID, tt.price, tt.caller), tt.want)
			})
		}
		if got := h.listing(t, id); got.Price.Int64() != 10 {
			t.Errorf("price = %s, want 10", got.Price)
		}
	})
}

func TestCancelListing_Scenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		unlisted := h.mintApproved(t, seller)
		wantErr(t, h.svc.CancelListing(ctx, nftAddr, unlisted, seller), ErrNotListed)

		id := h.listed(t, 10)
		wantErr(t, h.svc.CancelListing(ctx, nftAddr, id, stranger), ErrNotOwner)

		if err := h.svc.CancelListing(ctx, nftAddr, id, seller); err != nil {
			t.Fatalf("CancelListing() error = %v", err)
		}
		if got := h.listing(t, id); got.IsListed() {
			t.Errorf("listing after cancel = %+v, want absent", got)
		}

		events := h.events(t)
		last := events[len(events)-1]
		if last.Type != model.EventItemCanceled || last.Seller != seller || last.Price != nil {
			t.Errorf("cancel emitted %+v, want ItemCanceled by %s", last, seller.Hex())
		}

		wantErr(t, h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10)), ErrNotListed)

		// Canceled keys can be listed again.
		if err := h.svc.ListItem(ctx, nftAddr, id, big.NewInt(7), seller); err != nil {
			t.Fatalf("ListItem() after cancel error = %v", err)
		}
	})
}

func TestWithdrawProceeds_Drains(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		for _, price := range []int64{10, 15} {
			id := h.listed(t, price)
			if err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(price)); err != nil {
				t.Fatalf("BuyItem() error = %v", err)
			}
		}
		h.wallet.Fund(seller, big.NewInt(100))
		eventsBefore := len(h.events(t))

		paid, err := h.svc.WithdrawProceeds(ctx, seller)
		if err != nil {
			t.Fatalf("WithdrawProceeds() error = %v", err)
		}
		if paid.Int64() != 25 {
			t.Errorf("paid = %s, want 25", paid)
		}
		if got := h.proceeds(t, seller); got.Sign() != 0 {
			t.Errorf("GetProceeds() after withdraw = %s, want 0", got)
		}
		if got := h.wallet.BalanceOf(seller); got.Int64() != 125 {
			t.Errorf("wallet balance = %s, want 125", got)
		}
		if got := len(h.events(t)); got != eventsBefore {
			t.Errorf("withdraw emitted %d events, want none", got-eventsBefore)
		}

		_, err = h.svc.WithdrawProceeds(ctx, seller)
		wantErr(t, err, ErrNoProceeds)
	})
}

func TestWithdrawProceeds_NoProceeds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		paid, err := h.svc.WithdrawProceeds(context.Background(), stranger)
		wantErr(t, err, ErrNoProceeds)
		if paid != nil {
			t.Errorf("paid = %s, want nil", paid)
		}
	})
}

func TestWithdrawProceeds_RejectedRollsBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)
		h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10))

		var balanceDuringPay *big.Int
		h.wallet.OnReceive(seller, func(ctx context.Context, to common.Address, amount *big.Int) error {
			balanceDuringPay, _ = h.svc.GetProceeds(ctx, to)
			return errors.New("receive reverted")
		})

		_, err := h.svc.WithdrawProceeds(ctx, seller)
		wantErr(t, err, ErrTransferFailed)
		if !errors.Is(err, devnet.ErrPaymentRejected) {
			t.Errorf("error %v does not keep the payer cause", err)
		}

		if balanceDuringPay == nil || balanceDuringPay.Sign() != 0 {
			t.Errorf("balance seen by recipient = %v, want 0", balanceDuringPay)
		}
		if got := h.proceeds(t, seller); got.Int64() != 10 {
			t.Errorf("proceeds after rejected payout = %s, want 10", got)
		}
		if got := h.wallet.BalanceOf(seller); got.Sign() != 0 {
			t.Errorf("wallet balance after rejected payout = %s, want 0", got)
		}
	})
}

func TestWithdrawProceeds_ReentrantSeesNoProceeds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)
		h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10))

		var nestedErr error
		calls := 0
		h.wallet.OnReceive(seller, func(ctx context.Context, to common.Address, amount *big.Int) error {
			calls++
			_, nestedErr = h.svc.WithdrawProceeds(ctx, to)
			return nil
		})

		paid, err := h.svc.WithdrawProceeds(ctx, seller)
		if err != nil {
			t.Fatalf("WithdrawProceeds() error = %v", err)
		}
		if paid.Int64() != 10 {
			t.Errorf("paid = %s, want 10", paid)
		}
		if calls != 1 {
			t.Errorf("payer invoked %d times, want 1", calls)
		}
		if !errors.Is(nestedErr, ErrNoProceeds) {
			t.Errorf("re-entrant withdraw error = %v, want ErrNoProceeds", nestedErr)
		}
		if got := h.wallet.BalanceOf(seller); got.Int64() != 10 {
			t.Errorf("wallet balance = %s, want 10", got)
		}
	})
}

func TestBuyItem_ReentrantSeesCommittedEffects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)

		var (
			nestedErr      error
			listingInHook  model.Listing
			proceedsInHook *big.Int
		)
		h.reg.OnReceive(buyer, func(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
			listingInHook, _ = h.svc.GetListing(ctx, asset, tokenID)
			proceedsInHook, _ = h.svc.GetProceeds(ctx, from)
			nestedErr = h.svc.BuyItem(ctx, asset, tokenID, to, big.NewInt(10))
			return nil
		})

		if err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10)); err != nil {
			t.Fatalf("BuyItem() error = %v", err)
		}
		if listingInHook.IsListed() {
			t.Errorf("hook saw listing %+v, want absent", listingInHook)
		}
		if proceedsInHook == nil || proceedsInHook.Int64() != 10 {
			t.Errorf("hook saw proceeds %v, want 10", proceedsInHook)
		}
		if !errors.Is(nestedErr, ErrNotListed) {
			t.Errorf("re-entrant buy error = %v, want ErrNotListed", nestedErr)
		}
		if got := h.proceeds(t, seller); got.Int64() != 10 {
			t.Errorf("proceeds = %s, want 10 (credited once)", got)
		}
	})
}

func TestBuyItem_NestedWritesRollBackWithOuter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)
		eventsBefore := len(h.events(t))

		var relistErr error
		h.reg.OnReceive(buyer, func(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
			h.reg.Approve(asset, tokenID, to, marketAddr)
			relistErr = h.svc.ListItem(ctx, asset, tokenID, big.NewInt(99), to)
			return errors.New("buyer contract reverts")
		})

		err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10))
		wantErr(t, err, ErrTransferFailed)
		if relistErr != nil {
			t.Fatalf("nested ListItem() error = %v", relistErr)
		}

		got := h.listing(t, id)
		if got.Price.Int64() != 10 || got.Seller != seller {
			t.Errorf("listing = {%s %s}, want original {10 %s}", got.Price, got.Seller.Hex(), seller.Hex())
		}
		if got := h.proceeds(t, seller); got.Sign() != 0 {
			t.Errorf("proceeds = %s, want 0", got)
		}
		if got := len(h.events(t)); got != eventsBefore {
			t.Errorf("events = %d, want %d", got, eventsBefore)
		}
		if got := h.owner(t, id); got != seller {
			t.Errorf("owner = %s, want seller", got.Hex())
		}
		if got := h.wallet.BalanceOf(buyer); got.Int64() != buyerFunds {
			t.Errorf("buyer wallet = %s, want %d refunded", got, buyerFunds)
		}
	})
}

func TestBuyItem_NestedFailureOnlyUndoesItself(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)

		var nestedErr error
		h.reg.OnReceive(buyer, func(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
			// Not approved yet: fails and must leave the outer buy intact.
			nestedErr = h.svc.ListItem(ctx, asset, tokenID, big.NewInt(99), to)
			return nil
		})

		if err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10)); err != nil {
			t.Fatalf("BuyItem() error = %v", err)
		}
		if !errors.Is(nestedErr, ErrNotApprovedForMarketplace) {
			t.Errorf("nested ListItem() error = %v, want ErrNotApprovedForMarketplace", nestedErr)
		}
		if got := h.proceeds(t, seller); got.Int64() != 10 {
			t.Errorf("proceeds = %s, want 10", got)
		}
		if got := h.owner(t, id); got != buyer {
			t.Errorf("owner = %s, want buyer", got.Hex())
		}
	})
}

func TestWithdrawProceeds_RefusedInsideTransferHook(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		earned := h.listed(t, 10)
		if err := h.svc.BuyItem(ctx, nftAddr, earned, buyer, big.NewInt(10)); err != nil {
			t.Fatalf("BuyItem() error = %v", err)
		}

		// The seller buys a token and withdraws from its receive hook before
		// reverting the transfer.
		id := h.mintApproved(t, stranger)
		if err := h.svc.ListItem(ctx, nftAddr, id, big.NewInt(5), stranger); err != nil {
			t.Fatalf("ListItem() error = %v", err)
		}
		h.wallet.Fund(seller, big.NewInt(5))

		var nestedErr error
		h.reg.OnReceive(seller, func(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
			_, nestedErr = h.svc.WithdrawProceeds(ctx, to)
			return errors.New("seller contract reverts")
		})

		err := h.svc.BuyItem(ctx, nftAddr, id, seller, big.NewInt(5))
		wantErr(t, err, ErrTransferFailed)
		if !errors.Is(nestedErr, ErrReentrantCall) {
			t.Errorf("nested withdraw error = %v, want ErrReentrantCall", nestedErr)
		}
		if got := h.proceeds(t, seller); got.Int64() != 10 {
			t.Errorf("proceeds = %s, want 10", got)
		}
		if got := h.wallet.BalanceOf(seller); got.Int64() != 5 {
			t.Errorf("seller wallet = %s, want 5", got)
		}
		if got := h.wallet.TotalPaid(); got.Sign() != 0 {
			t.Errorf("TotalPaid() = %s, want 0", got)
		}

		h.reg.OnReceive(seller, nil)
		paid, err := h.svc.WithdrawProceeds(ctx, seller)
		if err != nil || paid.Int64() != 10 {
			t.Fatalf("WithdrawProceeds() = %v, %v, want 10", paid, err)
		}
		if got := h.wallet.TotalPaid(); got.Int64() != 10 {
			t.Errorf("TotalPaid() = %s, want 10 (earned once)", got)
		}
		_, err = h.svc.WithdrawProceeds(ctx, seller)
		wantErr(t, err, ErrNoProceeds)
	})
}

func TestBuyItem_NestedBuyRefused(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		a := h.listed(t, 10)
		b := h.listed(t, 20)

		var nestedErr error
		h.reg.OnReceive(buyer, func(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
			if tokenID.Cmp(a) == 0 {
				nestedErr = h.svc.BuyItem(ctx, asset, b, to, big.NewInt(20))
			}
			return nil
		})

		if err := h.svc.BuyItem(ctx, nftAddr, a, buyer, big.NewInt(10)); err != nil {
			t.Fatalf("BuyItem() error = %v", err)
		}
		if !errors.Is(nestedErr, ErrReentrantCall) {
			t.Errorf("nested BuyItem() error = %v, want ErrReentrantCall", nestedErr)
		}
		if got := h.listing(t, b); got.Price.Int64() != 20 {
			t.Errorf("listing b = %+v, want still listed at 20", got)
		}
		if got := h.owner(t, b); got != seller {
			t.Errorf("owner of b = %s, want seller", got.Hex())
		}
		if got := h.wallet.BalanceOf(buyer); got.Int64() != buyerFunds-10 {
			t.Errorf("buyer wallet = %s, want %d", got, buyerFunds-10)
		}
	})
}

func TestScope_LeakedContextActsFresh(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)

		var leaked context.Context
		h.reg.OnReceive(buyer, func(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
			leaked = ctx
			return nil
		})
		if err := h.svc.BuyItem(ctx, nftAddr, id, buyer, big.NewInt(10)); err != nil {
			t.Fatalf("BuyItem() error = %v", err)
		}

		if got, err := h.svc.GetProceeds(leaked, seller); err != nil || got.Int64() != 10 {
			t.Errorf("GetProceeds(leaked ctx) = %v, %v, want 10, nil", got, err)
		}
		paid, err := h.svc.WithdrawProceeds(leaked, seller)
		if err != nil || paid.Int64() != 10 {
			t.Errorf("WithdrawProceeds(leaked ctx) = %v, %v, want 10, nil", paid, err)
		}
	})
}

func TestBuyItem_ConcurrentBuyers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id := h.listed(t, 10)

		const buyers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			notListed int
		)
		for i := 0; i < buyers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				b := common.BigToAddress(big.NewInt(int64(1000 + i)))
				h.wallet.Fund(b, big.NewInt(10))
				err := h.svc.BuyItem(ctx, nftAddr, id, b, big.NewInt(10))

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, ErrNotListed):
					notListed++
				default:
					t.Errorf("BuyItem() unexpected error = %v", err)
				}
			}(i)
		}
		wg.Wait()

		if successes != 1 || notListed != buyers-1 {
			t.Errorf("successes = %d, notListed = %d, want 1 and %d", successes, notListed, buyers-1)
		}
		if got := h.proceeds(t, seller); got.Int64() != 10 {
			t.Errorf("proceeds = %s, want 10", got)
		}
		if got := h.wallet.Custody(); got.Int64() != 10 {
			t.Errorf("custody = %s, want 10 (collected once)", got)
		}
	})
}

func TestEvents_GapFree(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		a := h.listed(t, 10)
		b := h.listed(t, 20)
		h.svc.UpdateListing(ctx, nftAddr, a, big.NewInt(11), seller)
		h.svc.BuyItem(ctx, nftAddr, a, buyer, big.NewInt(5)) // fails
		h.svc.BuyItem(ctx, nftAddr, a, buyer, big.NewInt(11))
		h.svc.CancelListing(ctx, nftAddr, b, seller)

		want := []model.EventType{
			model.EventItemListed,
			model.EventItemListed,
			model.EventItemListed,
			model.EventItemBought,
			model.EventItemCanceled,
		}
		events := h.events(t)
		if len(events) != len(want) {
			t.Fatalf("len(events) = %d, want %d", len(events), len(want))
		}
		for i, ev := range events {
			if ev.Seq != uint64(i+1) {
				t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, i+1)
			}
			if ev.Type != want[i] {
				t.Errorf("events[%d].Type = %s, want %s", i, ev.Type, want[i])
			}
		}
	})
}

func TestCommitHook(t *testing.T) {
	reg := devnet.NewRegistry(marketAddr)
	reg.Deploy(nftAddr, "BasicNft")
	commits := 0
	svc := NewMarketplaceService(repository.NewMemoryStore(), reg, devnet.NewWallet(),
		WithLogger(quietLogger()),
		WithCommitHook(func() { commits++ }),
	)

	id, _ := reg.Mint(nftAddr, seller)
	reg.Approve(nftAddr, id, seller, marketAddr)
	ctx := context.Background()

	svc.ListItem(ctx, nftAddr, id, big.NewInt(0), seller) // rejected
	svc.ListItem(ctx, nftAddr, id, big.NewInt(5), seller)
	if commits != 1 {
		t.Errorf("commit hook ran %d times, want 1", commits)
	}
}

func TestMarketError_Details(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		id := h.listed(t, 10)
		err := h.svc.BuyItem(context.Background(), nftAddr, id, buyer, big.NewInt(3))

		var me *MarketError
		if !errors.As(err, &me) {
			t.Fatalf("error %v is not a *MarketError", err)
		}
		d := me.Details()
		if d["operation"] != OpBuyItem || d["price"] != "10" || d["amount"] != "3" || d["account"] != buyer.Hex() {
			t.Errorf("Details() = %v", d)
		}
		if d["asset"] != nftAddr.Hex() || d["token_id"] != id.String() {
			t.Errorf("Details() key = %s/%s", d["asset"], d["token_id"])
		}
	})
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&MarketError{Op: OpListItem, Err: ErrAlreadyListed}, CodeAlreadyListed},
		{&MarketError{Op: OpWithdrawProceeds, Err: ErrNoProceeds}, CodeNoProceeds},
		{&MarketError{Op: OpWithdrawProceeds, Err: ErrReentrantCall}, CodeReentrantCall},
		{&MarketError{Op: OpBuyItem, Err: fmt.Errorf("%w: %w", ErrPaymentNotCollected, devnet.ErrInsufficientFunds)}, CodePaymentNotCollected},
		{errors.New("disk on fire"), CodeInternal},
		{
			&MarketError{Op: OpBuyItem, Err: errors.Join(ErrTransferFailed, &MarketError{Op: OpWithdrawProceeds, Err: ErrNoProceeds})},
			CodeTransferFailed,
		},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
