package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a marketplace notification.
type EventType string

const (
	EventItemListed   EventType = "ItemListed"
	EventItemCanceled EventType = "ItemCanceled"
	EventItemBought   EventType = "ItemBought"
)

// Canonical signatures, hashed into topics the same way on-chain logs are.
var eventSignatures = map[EventType]string{
	EventItemListed:   "ItemListed(address,address,uint256,uint256)",
	EventItemCanceled: "ItemCanceled(address,address,uint256)",
	EventItemBought:   "ItemBought(address,address,uint256,uint256)",
}

var eventTopics = func() map[EventType]common.Hash {
	topics := make(map[EventType]common.Hash, len(eventSignatures))
	for t, sig := range eventSignatures {
		topics[t] = Keccak256(sig)
	}
	return topics
}()

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventSignatures[t]
	return ok
}

// Signature returns the canonical event signature.
func (t EventType) Signature() string {
	return eventSignatures[t]
}

// Event is one entry of the append-only marketplace log.
//
// ItemListed and ItemCanceled carry the seller; ItemBought carries the buyer
// and, for convenience of indexers, the seller it bought from.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	Seller    common.Address `json:"seller"`
	Buyer     common.Address `json:"buyer,omitempty"`
	Asset     common.Address `json:"asset"`
	TokenID   *big.Int       `json:"token_id"`
	Price     *big.Int       `json:"price,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Topic returns the keccak-256 hash of the event signature.
func (e Event) Topic() common.Hash {
	return eventTopics[e.Type]
}

// Key returns the listing key the event refers to.
func (e Event) Key() ListingKey {
	return NewListingKey(e.Asset, e.TokenID)
}
