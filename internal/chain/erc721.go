package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"nft-marketplace-api/internal/model"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const erc721ABIJSON = `[
	{"type":"function","name":"ownerOf","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"getApproved","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"isApprovedForAll","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],
	 "outputs":[]}
]`

var erc721ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc721ABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ERC721Registry reads ownership from ERC-721 contracts and moves tokens
// with safeTransferFrom sent by the operator, which acts as the marketplace.
type ERC721Registry struct {
	backend Backend
}

// NewERC721Registry creates a registry on backend.
func NewERC721Registry(backend Backend) *ERC721Registry {
	return &ERC721Registry{backend: backend}
}

func (r *ERC721Registry) call(ctx context.Context, asset common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc721ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.backend.Call(ctx, asset, data)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s on %s returned no data", method, asset.Hex())
	}
	return erc721ABI.Unpack(method, out)
}

// OwnerOf calls ownerOf. ERC-721 reverts for unminted tokens, which is
// reported as model.ErrNonexistentToken; so is a contract without code.
func (r *ERC721Registry) OwnerOf(ctx context.Context, asset common.Address, tokenID *big.Int) (common.Address, error) {
	vals, err := r.call(ctx, asset, "ownerOf", tokenID)
	if err != nil {
		if isRevert(err) || strings.Contains(err.Error(), "returned no data") {
			return common.Address{}, fmt.Errorf("%w: %v", model.ErrNonexistentToken, err)
		}
		return common.Address{}, err
	}
	return vals[0].(common.Address), nil
}

// IsApprovedForMarketplace checks the single-token approval and then the
// operator approval of owner.
func (r *ERC721Registry) IsApprovedForMarketplace(ctx context.Context, asset common.Address, tokenID *big.Int, owner common.Address) (bool, error) {
	marketplace := r.backend.Operator()

	vals, err := r.call(ctx, asset, "getApproved", tokenID)
	if err != nil {
		return false, err
	}
	if vals[0].(common.Address) == marketplace {
		return true, nil
	}

	vals, err = r.call(ctx, asset, "isApprovedForAll", owner, marketplace)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// Transfer sends safeTransferFrom(from, to, tokenID) and waits for it to
// be mined.
func (r *ERC721Registry) Transfer(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
	data, err := erc721ABI.Pack("safeTransferFrom", from, to, tokenID)
	if err != nil {
		return fmt.Errorf("pack safeTransferFrom: %w", err)
	}
	if _, err := r.backend.Send(ctx, asset, nil, data); err != nil {
		return err
	}
	return nil
}

// Payment verification failures.
var (
	ErrPaymentRequired = errors.New("payment transaction required")
	ErrPaymentUsed     = errors.New("payment transaction already used")
	ErrPaymentMismatch = errors.New("payment transaction does not match the purchase")
)

// NativePayer settles purchases in the chain's native currency. Buyers pay
// the operator first and name that transaction in the request; proceeds are
// paid out as plain value transfers from the operator.
//
// Consumed payments are tracked in memory only, so payments mined before
// the payer was created are refused.
type NativePayer struct {
	backend Backend
	since   uint64

	mu   sync.Mutex
	used map[common.Hash]bool
}

// NewNativePayer creates a payer on backend accepting payments mined at or
// after block since.
func NewNativePayer(backend Backend, since uint64) *NativePayer {
	return &NativePayer{backend: backend, since: since, used: make(map[common.Hash]bool)}
}

// Collect verifies the payment transaction referenced by ctx: a successful
// transfer of exactly amount from from to the operator.
func (p *NativePayer) Collect(ctx context.Context, from common.Address, amount *big.Int) error {
	hash, err := paymentHash(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.used[hash] {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPaymentUsed, hash.Hex())
	}
	p.used[hash] = true
	p.mu.Unlock()

	if err := p.verify(ctx, hash, from, amount); err != nil {
		p.release(hash)
		return err
	}
	return nil
}

func (p *NativePayer) verify(ctx context.Context, hash common.Hash, from common.Address, amount *big.Int) error {
	pay, err := p.backend.Payment(ctx, hash)
	if err != nil {
		return err
	}
	switch {
	case pay.Block < p.since:
		return fmt.Errorf("%w: %s mined before block %d", ErrPaymentMismatch, hash.Hex(), p.since)
	case pay.To != p.backend.Operator():
		return fmt.Errorf("%w: %s pays %s", ErrPaymentMismatch, hash.Hex(), pay.To.Hex())
	case pay.From != from:
		return fmt.Errorf("%w: %s sent by %s", ErrPaymentMismatch, hash.Hex(), pay.From.Hex())
	case pay.Value == nil || pay.Value.Cmp(amount) != 0:
		return fmt.Errorf("%w: %s carries %v wei, want %s", ErrPaymentMismatch, hash.Hex(), pay.Value, amount)
	}
	return nil
}

// Refund releases the payment referenced by ctx. The value stays with the
// operator and the buyer may use the same transaction for a new purchase.
func (p *NativePayer) Refund(ctx context.Context, to common.Address, amount *big.Int) error {
	hash, err := paymentHash(ctx)
	if err != nil {
		return err
	}
	p.release(hash)
	return nil
}

func (p *NativePayer) release(hash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, hash)
}

func paymentHash(ctx context.Context) (common.Hash, error) {
	ref, ok := model.PaymentRef(ctx)
	if !ok {
		return common.Hash{}, ErrPaymentRequired
	}
	b, err := hexutil.Decode(ref)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: malformed hash %q", ErrPaymentRequired, ref)
	}
	return common.BytesToHash(b), nil
}

func (p *NativePayer) Pay(ctx context.Context, to common.Address, amount *big.Int) error {
	_, err := p.backend.Send(ctx, to, amount, nil)
	return err
}

func isRevert(err error) bool {
	return strings.Contains(err.Error(), "execution reverted")
}
