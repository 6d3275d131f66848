// Package devnet provides in-process stand-ins for the on-chain collaborators
// of the marketplace: an ERC-721 style asset registry and a native-currency
// wallet. They back tests and the devnet chain mode.
package devnet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"nft-marketplace-api/internal/model"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrTokenExists       = errors.New("token already minted")
	ErrNotTokenOwner     = errors.New("from is not the token owner")
	ErrNotAuthorized     = errors.New("caller is not owner nor approved")
	ErrTransferRejected  = errors.New("receiver rejected the token")
)

// TransferHook is called after a token moved to its receiver, like
// onERC721Received. Returning an error reverts the transfer.
type TransferHook func(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error

type collection struct {
	name      string
	nextID    *big.Int
	owners    map[string]common.Address
	approvals map[string]common.Address
	operators map[common.Address]map[common.Address]bool
	balances  map[common.Address]int
}

// Registry tracks ownership and approvals for any number of collections.
// The marketplace address is the operator that lists and transfers on
// behalf of owners.
type Registry struct {
	mu          sync.Mutex
	marketplace common.Address
	collections map[common.Address]*collection
	receivers   map[common.Address]TransferHook
}

// NewRegistry creates an empty registry that treats marketplace as the
// spender to check approvals against.
func NewRegistry(marketplace common.Address) *Registry {
	return &Registry{
		marketplace: marketplace,
		collections: make(map[common.Address]*collection),
		receivers:   make(map[common.Address]TransferHook),
	}
}

// Marketplace returns the operator address.
func (r *Registry) Marketplace() common.Address {
	return r.marketplace
}

// Deploy registers a collection at asset. Deploying twice is a no-op.
func (r *Registry) Deploy(asset common.Address, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.collections[asset]; ok {
		return
	}
	r.collections[asset] = &collection{
		name:      name,
		nextID:    new(big.Int),
		owners:    make(map[string]common.Address),
		approvals: make(map[string]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
		balances:  make(map[common.Address]int),
	}
}

func (r *Registry) collection(asset common.Address) (*collection, error) {
	c, ok := r.collections[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, asset.Hex())
	}
	return c, nil
}

// Mint creates the next sequential token of asset for to and returns its id.
func (r *Registry) Mint(asset, to common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.collection(asset)
	if err != nil {
		return nil, err
	}
	for {
		if _, taken := c.owners[c.nextID.String()]; !taken {
			break
		}
		c.nextID.Add(c.nextID, big.NewInt(1))
	}
	id := new(big.Int).Set(c.nextID)
	c.owners[id.String()] = to
	c.balances[to]++
	c.nextID.Add(c.nextID, big.NewInt(1))
	return id, nil
}

// MintID creates a token with an explicit id.
func (r *Registry) MintID(asset, to common.Address, tokenID *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.collection(asset)
	if err != nil {
		return err
	}
	id := tokenID.String()
	if _, taken := c.owners[id]; taken {
		return fmt.Errorf("%w: %s/%s", ErrTokenExists, asset.Hex(), id)
	}
	c.owners[id] = to
	c.balances[to]++
	return nil
}

// Approve lets spender transfer one token. caller must own the token or be
// an operator of the owner.
func (r *Registry) Approve(asset common.Address, tokenID *big.Int, caller, spender common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.collection(asset)
	if err != nil {
		return err
	}
	owner, err := c.ownerOf(asset, tokenID)
	if err != nil {
		return err
	}
	if caller != owner && !c.operators[owner][caller] {
		return ErrNotAuthorized
	}
	if spender == (common.Address{}) {
		delete(c.approvals, tokenID.String())
		return nil
	}
	c.approvals[tokenID.String()] = spender
	return nil
}

// SetApprovalForAll grants or revokes operator rights over all of owner's
// tokens in asset.
func (r *Registry) SetApprovalForAll(asset, owner, operator common.Address, approved bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.collection(asset)
	if err != nil {
		return err
	}
	if c.operators[owner] == nil {
		c.operators[owner] = make(map[common.Address]bool)
	}
	if approved {
		c.operators[owner][operator] = true
	} else {
		delete(c.operators[owner], operator)
	}
	return nil
}

// GetApproved returns the single-token approval, zero if none.
func (r *Registry) GetApproved(asset common.Address, tokenID *big.Int) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.collection(asset)
	if err != nil {
		return common.Address{}, err
	}
	if _, err := c.ownerOf(asset, tokenID); err != nil {
		return common.Address{}, err
	}
	return c.approvals[tokenID.String()], nil
}

// BalanceOf returns how many tokens of asset owner holds.
func (r *Registry) BalanceOf(asset, owner common.Address) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collections[asset]
	if !ok {
		return 0
	}
	return c.balances[owner]
}

// OnReceive installs a hook run whenever account receives a token.
// A nil hook removes it.
func (r *Registry) OnReceive(account common.Address, hook TransferHook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hook == nil {
		delete(r.receivers, account)
		return
	}
	r.receivers[account] = hook
}

// OwnerOf returns the owner of a minted token.
func (r *Registry) OwnerOf(ctx context.Context, asset common.Address, tokenID *big.Int) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.collection(asset)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", model.ErrNonexistentToken, err)
	}
	return c.ownerOf(asset, tokenID)
}

// IsApprovedForMarketplace reports whether the marketplace is the token's
// approved spender or an operator of owner.
func (r *Registry) IsApprovedForMarketplace(ctx context.Context, asset common.Address, tokenID *big.Int, owner common.Address) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.collection(asset)
	if err != nil {
		return false, err
	}
	if _, err := c.ownerOf(asset, tokenID); err != nil {
		return false, err
	}
	return c.approvedFor(tokenID, owner, r.marketplace), nil
}

// Transfer moves a token as the marketplace would with safeTransferFrom:
// the marketplace must be approved and from must be the owner. The receiver
// hook runs after the move, without the registry lock, and a hook error
// restores the token's previous owner and approval.
func (r *Registry) Transfer(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
	r.mu.Lock()
	c, err := r.collection(asset)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	owner, err := c.ownerOf(asset, tokenID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if owner != from {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s owns %s/%s", ErrNotTokenOwner, owner.Hex(), asset.Hex(), tokenID)
	}
	if !c.approvedFor(tokenID, owner, r.marketplace) {
		r.mu.Unlock()
		return ErrNotAuthorized
	}

	id := tokenID.String()
	prevApproval, hadApproval := c.approvals[id]
	c.move(id, from, to)
	hook := r.receivers[to]
	r.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, asset, new(big.Int).Set(tokenID), from, to); err != nil {
		r.mu.Lock()
		if c.owners[id] == to {
			c.move(id, to, from)
			if hadApproval {
				c.approvals[id] = prevApproval
			}
		}
		r.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrTransferRejected, err)
	}
	return nil
}

func (c *collection) ownerOf(asset common.Address, tokenID *big.Int) (common.Address, error) {
	if tokenID == nil {
		return common.Address{}, model.ErrNonexistentToken
	}
	owner, ok := c.owners[tokenID.String()]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s/%s", model.ErrNonexistentToken, asset.Hex(), tokenID)
	}
	return owner, nil
}

func (c *collection) approvedFor(tokenID *big.Int, owner, spender common.Address) bool {
	if approved, ok := c.approvals[tokenID.String()]; ok && approved == spender {
		return true
	}
	return c.operators[owner][spender]
}

func (c *collection) move(id string, from, to common.Address) {
	delete(c.approvals, id)
	c.owners[id] = to
	c.balances[from]--
	c.balances[to]++
}
