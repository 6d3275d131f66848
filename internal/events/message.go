// Package events delivers committed marketplace events to subscribers:
// a Redis stream for backend consumers and a websocket hub for browsers.
package events

import (
	"context"
	"time"

	"nft-marketplace-api/internal/model"
	"nft-marketplace-api/pkg/wei"
)

// Publisher receives batches of events in sequence order.
type Publisher interface {
	Publish(ctx context.Context, events []model.Event) error
}

// Message is the wire form of an event. Amounts are decimal wei strings.
type Message struct {
	Seq        uint64    `json:"seq"`
	Type       string    `json:"type"`
	Topic      string    `json:"topic"`
	Seller     string    `json:"seller"`
	Buyer      string    `json:"buyer,omitempty"`
	Asset      string    `json:"asset"`
	TokenID    string    `json:"token_id"`
	Price      string    `json:"price,omitempty"`
	PriceEther string    `json:"price_ether,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewMessage converts an event to its wire form.
func NewMessage(ev model.Event) Message {
	m := Message{
		Seq:       ev.Seq,
		Type:      string(ev.Type),
		Topic:     ev.Topic().Hex(),
		Seller:    ev.Seller.Hex(),
		Asset:     ev.Asset.Hex(),
		TokenID:   wei.String(ev.TokenID),
		CreatedAt: ev.CreatedAt,
	}
	if ev.Type == model.EventItemBought {
		m.Buyer = ev.Buyer.Hex()
	}
	if ev.Price != nil {
		m.Price = ev.Price.String()
		m.PriceEther = wei.ToEther(ev.Price)
	}
	return m
}

// NewMessages converts a batch.
func NewMessages(events []model.Event) []Message {
	out := make([]Message, len(events))
	for i, ev := range events {
		out[i] = NewMessage(ev)
	}
	return out
}
