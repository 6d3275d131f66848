package events

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nft-marketplace-api/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	asset  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	seller = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	buyer  = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func sampleEvents() []model.Event {
	return []model.Event{
		{Seq: 1, Type: model.EventItemListed, Seller: seller, Asset: asset, TokenID: big.NewInt(0), Price: big.NewInt(1e18)},
		{Seq: 2, Type: model.EventItemBought, Seller: seller, Buyer: buyer, Asset: asset, TokenID: big.NewInt(0), Price: big.NewInt(1e18)},
		{Seq: 3, Type: model.EventItemCanceled, Seller: seller, Asset: asset, TokenID: big.NewInt(1)},
	}
}

func TestNewMessage(t *testing.T) {
	msgs := NewMessages(sampleEvents())

	if msgs[0].Price != "1000000000000000000" || msgs[0].PriceEther != "1" {
		t.Errorf("listed price = %q (%q ether), want 1e18 (1 ether)", msgs[0].Price, msgs[0].PriceEther)
	}
	if msgs[0].Buyer != "" {
		t.Errorf("listed buyer = %q, want empty", msgs[0].Buyer)
	}
	if msgs[1].Buyer != buyer.Hex() || msgs[1].Seller != seller.Hex() {
		t.Errorf("bought parties = %s/%s", msgs[1].Seller, msgs[1].Buyer)
	}
	if msgs[2].Price != "" || msgs[2].TokenID != "1" {
		t.Errorf("canceled = %+v, want no price and token 1", msgs[2])
	}
	if want := model.Keccak256("ItemCanceled(address,address,uint256)").Hex(); msgs[2].Topic != want {
		t.Errorf("topic = %s, want %s", msgs[2].Topic, want)
	}
}

type stubPublisher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *stubPublisher) Publish(ctx context.Context, events []model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func TestMulti_Publish(t *testing.T) {
	a, b := &stubPublisher{}, &stubPublisher{}
	if err := (Multi{a, b}).Publish(context.Background(), sampleEvents()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", a.calls, b.calls)
	}

	boom := errors.New("boom")
	failing := Multi{&stubPublisher{}, &stubPublisher{err: boom}}
	if err := failing.Publish(context.Background(), sampleEvents()); !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want %v", err, boom)
	}
}

func wsURL(s *httptest.Server) string {
	return strings.Replace(s.URL, "http://", "ws://", 1)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(0, quietLogger())
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 1 })

	if err := hub.Publish(context.Background(), sampleEvents()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for want := uint64(1); want <= 3; want++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if msg.Seq != want {
			t.Errorf("seq = %d, want %d", msg.Seq, want)
		}
	}

	conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 0 })
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub(1, quietLogger())
	release := make(chan struct{})
	defer close(release)

	// A subscriber that never drains its queue.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hub.add(&client{conn: conn, send: make(chan []byte, 1)})
		<-release
	}))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 1 })

	hub.Publish(context.Background(), sampleEvents())
	if got := hub.Clients(); got != 0 {
		t.Errorf("Clients() = %d after overflow, want 0", got)
	}
}

func TestHub_CloseRefusesSubscribers(t *testing.T) {
	hub := NewHub(0, quietLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("ReadMessage() error = %v, want close going away", err)
	}
	if hub.Clients() != 0 {
		t.Errorf("Clients() = %d, want 0", hub.Clients())
	}
}
