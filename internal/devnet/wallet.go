package devnet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrPaymentRejected is returned when a receive hook refuses a payment.
	ErrPaymentRejected = errors.New("receiver rejected the payment")
	// ErrInsufficientFunds is returned when a balance cannot cover a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// ReceiveHook runs when account receives native currency, like a contract's
// receive function. Returning an error reverts the payment.
type ReceiveHook func(ctx context.Context, to common.Address, amount *big.Int) error

// Wallet keeps native-currency balances. Purchase payments move from the
// buyer into marketplace custody and proceeds are paid out of custody, so
// the marketplace never pays more than it took in.
type Wallet struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	hooks    map[common.Address]ReceiveHook
	custody  *big.Int
	paid     *big.Int
}

// NewWallet creates a wallet with no balances.
func NewWallet() *Wallet {
	return &Wallet{
		balances: make(map[common.Address]*big.Int),
		hooks:    make(map[common.Address]ReceiveHook),
		custody:  new(big.Int),
		paid:     new(big.Int),
	}
}

// Fund credits account without running its hook.
func (w *Wallet) Fund(account common.Address, amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.credit(account, amount)
}

// BalanceOf returns the balance of account.
func (w *Wallet) BalanceOf(account common.Address) *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if b, ok := w.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Custody returns what the marketplace holds for sellers.
func (w *Wallet) Custody() *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return new(big.Int).Set(w.custody)
}

// TotalPaid returns the sum of all successful payments.
func (w *Wallet) TotalPaid() *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return new(big.Int).Set(w.paid)
}

// OnReceive installs a hook for account. A nil hook removes it.
func (w *Wallet) OnReceive(account common.Address, hook ReceiveHook) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if hook == nil {
		delete(w.hooks, account)
		return
	}
	w.hooks[account] = hook
}

// Collect debits from and moves amount into custody.
func (w *Wallet) Collect(ctx context.Context, from common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if b := w.balances[from]; b == nil || b.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s cannot pay %s", ErrInsufficientFunds, from.Hex(), amount)
	}
	w.credit(from, new(big.Int).Neg(amount))
	w.custody.Add(w.custody, amount)
	return nil
}

// Refund moves amount from custody back to to. Hooks do not run.
func (w *Wallet) Refund(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.custody.Cmp(amount) < 0 {
		return fmt.Errorf("%w: custody holds %s, refund %s", ErrInsufficientFunds, w.custody, amount)
	}
	w.custody.Sub(w.custody, amount)
	w.credit(to, amount)
	return nil
}

// Pay moves amount from custody to to. The receive hook runs after the
// credit, outside the lock; if it fails the payment is reversed.
func (w *Wallet) Pay(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	w.mu.Lock()
	if w.custody.Cmp(amount) < 0 {
		w.mu.Unlock()
		return fmt.Errorf("%w: custody holds %s, payment %s", ErrInsufficientFunds, w.custody, amount)
	}
	w.custody.Sub(w.custody, amount)
	w.credit(to, amount)
	w.paid.Add(w.paid, amount)
	hook := w.hooks[to]
	w.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, to, new(big.Int).Set(amount)); err != nil {
		w.mu.Lock()
		w.credit(to, new(big.Int).Neg(amount))
		w.custody.Add(w.custody, amount)
		w.paid.Sub(w.paid, amount)
		w.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPaymentRejected, err)
	}
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid payment amount %v", amount)
	}
	return nil
}

func (w *Wallet) credit(account common.Address, amount *big.Int) {
	b, ok := w.balances[account]
	if !ok {
		b = new(big.Int)
		w.balances[account] = b
	}
	b.Add(b, amount)
}
