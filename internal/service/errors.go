package service

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Marketplace failures. Every operation returns them wrapped in a *MarketError.
var (
	ErrPriceMustBeAboveZero      = errors.New("price must be above zero")
	ErrNotListed                 = errors.New("item not listed")
	ErrAlreadyListed             = errors.New("item already listed")
	ErrNotOwner                  = errors.New("caller is not the owner")
	ErrNotApprovedForMarketplace = errors.New("marketplace not approved for asset")
	ErrPriceNotMet               = errors.New("amount sent does not match price")
	ErrNoProceeds                = errors.New("no proceeds")
	ErrTransferFailed            = errors.New("transfer failed")
	ErrPaymentNotCollected       = errors.New("payment not collected")
	ErrReentrantCall             = errors.New("reentrant call moves value")
	ErrAmountOutOfRange          = errors.New("amount out of uint256 range")
)

// Error codes, shared by the HTTP layer and metrics.
const (
	CodePriceMustBeAboveZero      = "PRICE_MUST_BE_ABOVE_ZERO"
	CodeNotListed                 = "NOT_LISTED"
	CodeAlreadyListed             = "ALREADY_LISTED"
	CodeNotOwner                  = "NOT_OWNER"
	CodeNotApprovedForMarketplace = "NOT_APPROVED_FOR_MARKETPLACE"
	CodePriceNotMet               = "PRICE_NOT_MET"
	CodeNoProceeds                = "NO_PROCEEDS"
	CodeTransferFailed            = "TRANSFER_FAILED"
	CodePaymentNotCollected       = "PAYMENT_NOT_COLLECTED"
	CodeReentrantCall             = "REENTRANT_CALL"
	CodeAmountOutOfRange          = "AMOUNT_OUT_OF_RANGE"
	CodeInternal                  = "INTERNAL_ERROR"
)

// TransferFailed comes first: it may wrap the error of a nested call.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrTransferFailed, CodeTransferFailed},
	{ErrPaymentNotCollected, CodePaymentNotCollected},
	{ErrReentrantCall, CodeReentrantCall},
	{ErrPriceMustBeAboveZero, CodePriceMustBeAboveZero},
	{ErrNotListed, CodeNotListed},
	{ErrAlreadyListed, CodeAlreadyListed},
	{ErrNotOwner, CodeNotOwner},
	{ErrNotApprovedForMarketplace, CodeNotApprovedForMarketplace},
	{ErrPriceNotMet, CodePriceNotMet},
	{ErrNoProceeds, CodeNoProceeds},
	{ErrAmountOutOfRange, CodeAmountOutOfRange},
}

// Code classifies err. It returns "" for nil and CodeInternal for errors
// outside the marketplace taxonomy.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// MarketError carries the operation and the data identifying a failure.
type MarketError struct {
	Op      string
	Asset   common.Address
	TokenID *big.Int
	Account common.Address
	Price   *big.Int
	Amount  *big.Int
	Err     error
}

func (e *MarketError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.TokenID != nil {
		fmt.Fprintf(&b, " %s/%s", e.Asset.Hex(), e.TokenID)
	}
	if e.Account != (common.Address{}) {
		fmt.Fprintf(&b, " account=%s", e.Account.Hex())
	}
	if e.Price != nil {
		fmt.Fprintf(&b, " price=%s", e.Price)
	}
	if e.Amount != nil {
		fmt.Fprintf(&b, " amount=%s", e.Amount)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *MarketError) Unwrap() error {
	return e.Err
}

// Details returns the identifying data as strings for API responses.
func (e *MarketError) Details() map[string]string {
	d := map[string]string{"operation": e.Op}
	if e.TokenID != nil {
		d["asset"] = e.Asset.Hex()
		d["token_id"] = e.TokenID.String()
	}
	if e.Account != (common.Address{}) {
		d["account"] = e.Account.Hex()
	}
	if e.Price != nil {
		d["price"] = e.Price.String()
	}
	if e.Amount != nil {
		d["amount"] = e.Amount.String()
	}
	return d
}
