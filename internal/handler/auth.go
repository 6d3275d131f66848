package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nft-marketplace-api/internal/service"
	"nft-marketplace-api/pkg/apierror"
	"nft-marketplace-api/pkg/response"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// AuthHandler handles wallet login and session tokens.
type AuthHandler struct {
	auth   *service.AuthService
	tokens *service.TokenService
	log    logrus.FieldLogger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(auth *service.AuthService, tokens *service.TokenService, log logrus.FieldLogger) *AuthHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuthHandler{auth: auth, tokens: tokens, log: log.WithField("component", "http")}
}

// ChallengeRequest represents the request body for a login challenge.
type ChallengeRequest struct {
	Account string `json:"account"`
}

// ChallengeResponse carries the message the wallet must sign.
type ChallengeResponse struct {
	Account   string `json:"account"`
	Message   string `json:"message"`
	ExpiresIn int    `json:"expires_in"`
}

// TokenRequest represents the request body for token generation.
type TokenRequest struct {
	Account   string `json:"account"`
	Signature string `json:"signature"`
}

// TokenResponse represents the response for token generation.
type TokenResponse struct {
	Token     string    `json:"token"`
	Account   string    `json:"account"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in"`
}

// Challenge handles POST /api/v1/auth/challenge
func (h *AuthHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}
	defer r.Body.Close()

	if !common.IsHexAddress(req.Account) {
		response.Error(w, apierror.ValidationError("account", "account must be an address"))
		return
	}
	account := common.HexToAddress(req.Account)

	msg, err := h.auth.IssueChallenge(r.Context(), account)
	if err != nil {
		h.log.WithError(err).Error("Issue challenge failed")
		response.Error(w, apierror.InternalError("failed to issue challenge"))
		return
	}
	response.OK(w, ChallengeResponse{
		Account:   account.Hex(),
		Message:   msg,
		ExpiresIn: int(service.ChallengeTTL.Seconds()),
	})
}

// GenerateToken handles POST /api/v1/auth/token
func (h *AuthHandler) GenerateToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}
	defer r.Body.Close()

	if !common.IsHexAddress(req.Account) {
		response.Error(w, apierror.ValidationError("account", "account must be an address"))
		return
	}
	if req.Signature == "" {
		response.Error(w, apierror.ValidationError("signature", "signature is required"))
		return
	}

	token, data, err := h.auth.Login(r.Context(), common.HexToAddress(req.Account), req.Signature)
	switch {
	case errors.Is(err, service.ErrChallengeNotFound),
		errors.Is(err, service.ErrInvalidSignature),
		errors.Is(err, service.ErrSignerMismatch):
		response.Error(w, apierror.Unauthorized(err.Error()))
		return
	case err != nil:
		h.log.WithError(err).Error("Login failed")
		response.Error(w, apierror.InternalError("failed to generate token"))
		return
	}

	response.OK(w, TokenResponse{
		Token:     token,
		Account:   data.Account.Hex(),
		ExpiresAt: data.ExpiresAt,
		ExpiresIn: int(time.Until(data.ExpiresAt).Seconds()),
	})
}

// RevokeToken handles POST /api/v1/auth/revoke
func (h *AuthHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Token")
	if token == "" {
		response.Error(w, apierror.BadRequest("X-Token header required"))
		return
	}

	if err := h.tokens.RevokeToken(r.Context(), token); err != nil {
		response.Error(w, apierror.InternalError("failed to revoke token"))
		return
	}

	response.OK(w, map[string]string{"status": "revoked"})
}

// RefreshToken handles POST /api/v1/auth/refresh
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Token")
	if token == "" {
		response.Error(w, apierror.BadRequest("X-Token header required"))
		return
	}

	data, err := h.tokens.RefreshToken(r.Context(), token)
	if err != nil {
		response.Error(w, apierror.Unauthorized(err.Error()))
		return
	}

	response.OK(w, map[string]interface{}{
		"status":     "refreshed",
		"expires_at": data.ExpiresAt,
		"expires_in": int(time.Until(data.ExpiresAt).Seconds()),
	})
}
