package model

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ListingKey identifies a listing: one NFT contract address plus token id.
type ListingKey struct {
	Asset   common.Address `json:"asset"`
	TokenID *big.Int       `json:"token_id"`
}

// NewListingKey builds a key, copying the token id.
func NewListingKey(asset common.Address, tokenID *big.Int) ListingKey {
	id := new(big.Int)
	if tokenID != nil {
		id.Set(tokenID)
	}
	return ListingKey{Asset: asset, TokenID: id}
}

// String renders the key as "<asset>/<token id>".
func (k ListingKey) String() string {
	return fmt.Sprintf("%s/%s", k.Asset.Hex(), k.tokenID())
}

// MapKey returns a comparable representation for use as a map key.
func (k ListingKey) MapKey() string {
	return k.Asset.Hex() + "/" + k.tokenID()
}

func (k ListingKey) tokenID() string {
	if k.TokenID == nil {
		return "0"
	}
	return k.TokenID.String()
}

// Listing is an offer to sell one NFT at a fixed price.
// A price of zero means the key is not listed.
type Listing struct {
	Price  *big.Int       `json:"price"`
	Seller common.Address `json:"seller"`
}

// AbsentListing is the value read back for a key with no active listing.
func AbsentListing() Listing {
	return Listing{Price: new(big.Int)}
}

// IsListed reports whether the listing is active.
func (l Listing) IsListed() bool {
	return l.Price != nil && l.Price.Sign() > 0
}

// Clone returns a deep copy.
func (l Listing) Clone() Listing {
	price := new(big.Int)
	if l.Price != nil {
		price.Set(l.Price)
	}
	return Listing{Price: price, Seller: l.Seller}
}
