package handler

import (
	"errors"
	"net/http"

	"nft-marketplace-api/internal/service"
	"nft-marketplace-api/pkg/apierror"
	"nft-marketplace-api/pkg/response"
	"nft-marketplace-api/pkg/wei"

	"github.com/sirupsen/logrus"
)

var marketStatus = map[string]int{
	service.CodePriceMustBeAboveZero:      http.StatusBadRequest,
	service.CodeAmountOutOfRange:          http.StatusBadRequest,
	service.CodePriceNotMet:               http.StatusBadRequest,
	service.CodeNotListed:                 http.StatusNotFound,
	service.CodeAlreadyListed:             http.StatusConflict,
	service.CodeNoProceeds:                http.StatusConflict,
	service.CodeNotOwner:                  http.StatusForbidden,
	service.CodeNotApprovedForMarketplace: http.StatusForbidden,
	service.CodeTransferFailed:            http.StatusBadGateway,
	service.CodePaymentNotCollected:       http.StatusPaymentRequired,
	service.CodeReentrantCall:             http.StatusConflict,
}

// marketError converts a marketplace failure to an API error. Failures
// outside the marketplace taxonomy are logged and hidden behind a 500.
func marketError(log logrus.FieldLogger, err error) *apierror.Error {
	code := service.Code(err)
	status, ok := marketStatus[code]
	if !ok {
		log.WithError(err).Error("Marketplace operation failed")
		return apierror.InternalError("")
	}

	apiErr := apierror.New(status, code, rootMessage(err))
	var me *service.MarketError
	if errors.As(err, &me) {
		apiErr.WithDetails(me.Details())
	}
	if code == service.CodeTransferFailed || code == service.CodePaymentNotCollected {
		log.WithError(err).Warn("Collaborator call failed")
	}
	return apiErr
}

// rootMessage returns the sentinel text without the operation prefix.
func rootMessage(err error) string {
	var me *service.MarketError
	if errors.As(err, &me) {
		return me.Err.Error()
	}
	return err.Error()
}

// amountError converts a malformed amount field to an API error.
func amountError(field string, err error) *apierror.Error {
	if errors.Is(err, wei.ErrOutOfRange) {
		return apierror.New(http.StatusBadRequest, service.CodeAmountOutOfRange, field+" exceeds uint256").
			WithDetails(map[string]string{"field": field})
	}
	return apierror.ValidationError(field, field+" must be a non-negative integer amount of wei")
}

func writeMarketError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	response.Error(w, marketError(log, err))
}
