package handler

import (
	"encoding/json"
	"math/big"
	"net/http"

	"nft-marketplace-api/internal/middleware"
	"nft-marketplace-api/internal/model"
	"nft-marketplace-api/internal/service"
	"nft-marketplace-api/pkg/apierror"
	"nft-marketplace-api/pkg/response"
	"nft-marketplace-api/pkg/wei"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// MarketplaceHandler exposes the listing registry and proceeds ledger.
type MarketplaceHandler struct {
	market *service.MarketplaceService
	log    logrus.FieldLogger
}

// NewMarketplaceHandler creates a new marketplace handler.
func NewMarketplaceHandler(market *service.MarketplaceService, log logrus.FieldLogger) *MarketplaceHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MarketplaceHandler{market: market, log: log.WithField("component", "http")}
}

// AmountRequest carries a wei amount. The ether field is read when the
// wei field is empty. PaymentTx names the buyer's payment transaction when
// the marketplace runs against a chain.
type AmountRequest struct {
	Price      string `json:"price,omitempty"`
	PriceEther string `json:"price_ether,omitempty"`
	Amount     string `json:"amount,omitempty"`
	AmountEth  string `json:"amount_ether,omitempty"`
	PaymentTx  string `json:"payment_tx,omitempty"`
}

// ListingResponse describes one listing slot.
type ListingResponse struct {
	Asset      string `json:"asset"`
	TokenID    string `json:"token_id"`
	Listed     bool   `json:"listed"`
	Price      string `json:"price"`
	PriceEther string `json:"price_ether"`
	Seller     string `json:"seller,omitempty"`
}

// ProceedsResponse describes a balance or a payout.
type ProceedsResponse struct {
	Account     string `json:"account"`
	Amount      string `json:"amount"`
	AmountEther string `json:"amount_ether"`
}

func newListingResponse(key model.ListingKey, l model.Listing) ListingResponse {
	resp := ListingResponse{
		Asset:      key.Asset.Hex(),
		TokenID:    key.TokenID.String(),
		Listed:     l.IsListed(),
		Price:      wei.String(l.Price),
		PriceEther: wei.ToEther(l.Price),
	}
	if resp.Listed {
		resp.Seller = l.Seller.Hex()
	}
	return resp
}

func newProceedsResponse(account common.Address, amount *big.Int) ProceedsResponse {
	return ProceedsResponse{
		Account:     account.Hex(),
		Amount:      wei.String(amount),
		AmountEther: wei.ToEther(amount),
	}
}

// listingKey reads {asset} and {token_id} from the route.
func listingKey(r *http.Request) (model.ListingKey, *apierror.Error) {
	asset := chi.URLParam(r, "asset")
	if !common.IsHexAddress(asset) {
		return model.ListingKey{}, apierror.ValidationError("asset", "asset must be a contract address")
	}
	tokenID, err := wei.Parse(chi.URLParam(r, "token_id"))
	if err != nil {
		return model.ListingKey{}, amountError("token_id", err)
	}
	return model.NewListingKey(common.HexToAddress(asset), tokenID), nil
}

// decodeAmount reads the wei field, falling back to the ether field.
func decodeAmount(r *http.Request, field string) (*big.Int, *apierror.Error) {
	v, _, apiErr := decodeAmountRequest(r, field)
	return v, apiErr
}

func decodeAmountRequest(r *http.Request, field string) (*big.Int, AmountRequest, *apierror.Error) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, req, apierror.BadRequest("invalid request body")
	}
	defer r.Body.Close()

	raw, ether := req.Price, req.PriceEther
	if field == "amount" {
		raw, ether = req.Amount, req.AmountEth
	}

	switch {
	case raw != "":
		v, err := wei.Parse(raw)
		if err != nil {
			return nil, req, amountError(field, err)
		}
		return v, req, nil
	case ether != "":
		v, err := wei.ParseEther(ether)
		if err != nil {
			return nil, req, amountError(field+"_ether", err)
		}
		return v, req, nil
	}
	return nil, req, apierror.ValidationError(field, field+" is required")
}

func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	account, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		response.Error(w, apierror.Unauthorized(""))
	}
	return account, ok
}

// GetListing handles GET /api/v1/listings/{asset}/{token_id}
func (h *MarketplaceHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	key, apiErr := listingKey(r)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	l, err := h.market.GetListing(r.Context(), key.Asset, key.TokenID)
	if err != nil {
		writeMarketError(w, h.log, err)
		return
	}
	response.OK(w, newListingResponse(key, l))
}

// ListItem handles POST /api/v1/listings/{asset}/{token_id}
func (h *MarketplaceHandler) ListItem(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}
	key, apiErr := listingKey(r)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	price, apiErr := decodeAmount(r, "price")
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	if err := h.market.ListItem(r.Context(), key.Asset, key.TokenID, price, account); err != nil {
		writeMarketError(w, h.log, err)
		return
	}
	response.Created(w, newListingResponse(key, model.Listing{Price: price, Seller: account}))
}

// UpdateListing handles PUT /api/v1/listings/{asset}/{token_id}
func (h *MarketplaceHandler) UpdateListing(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}
	key, apiErr := listingKey(r)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	price, apiErr := decodeAmount(r, "price")
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	if err := h.market.UpdateListing(r.Context(), key.Asset, key.TokenID, price, account); err != nil {
		writeMarketError(w, h.log, err)
		return
	}
	response.OK(w, newListingResponse(key, model.Listing{Price: price, Seller: account}))
}

// CancelListing handles DELETE /api/v1/listings/{asset}/{token_id}
func (h *MarketplaceHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}
	key, apiErr := listingKey(r)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	if err := h.market.CancelListing(r.Context(), key.Asset, key.TokenID, account); err != nil {
		writeMarketError(w, h.log, err)
		return
	}
	response.OK(w, newListingResponse(key, model.AbsentListing()))
}

// BuyItem handles POST /api/v1/listings/{asset}/{token_id}/buy
func (h *MarketplaceHandler) BuyItem(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}
	key, apiErr := listingKey(r)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	amount, req, apiErr := decodeAmountRequest(r, "amount")
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	ctx := r.Context()
	if req.PaymentTx != "" {
		ctx = model.WithPaymentRef(ctx, req.PaymentTx)
	}
	if err := h.market.BuyItem(ctx, key.Asset, key.TokenID, account, amount); err != nil {
		writeMarketError(w, h.log, err)
		return
	}
	response.OK(w, map[string]string{
		"asset":       key.Asset.Hex(),
		"token_id":    key.TokenID.String(),
		"buyer":       account.Hex(),
		"price":       amount.String(),
		"price_ether": wei.ToEther(amount),
		"status":      "bought",
	})
}

// GetProceeds handles GET /api/v1/proceeds/{account}
func (h *MarketplaceHandler) GetProceeds(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "account")
	if !common.IsHexAddress(raw) {
		response.Error(w, apierror.ValidationError("account", "account must be an address"))
		return
	}
	account := common.HexToAddress(raw)

	amount, err := h.market.GetProceeds(r.Context(), account)
	if err != nil {
		writeMarketError(w, h.log, err)
		return
	}
	response.OK(w, newProceedsResponse(account, amount))
}

// WithdrawProceeds handles POST /api/v1/proceeds/withdraw
func (h *MarketplaceHandler) WithdrawProceeds(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	paid, err := h.market.WithdrawProceeds(r.Context(), account)
	if err != nil {
		writeMarketError(w, h.log, err)
		return
	}
	response.OK(w, newProceedsResponse(account, paid))
}
