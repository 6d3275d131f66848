package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"nft-marketplace-api/internal/model"
	"nft-marketplace-api/pkg/apierror"
	"nft-marketplace-api/pkg/response"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TokenDataKey is the key for storing token data in request context.
	TokenDataKey contextKey = "token_data"

	// AccountKey is the key for the authenticated account address.
	AccountKey contextKey = "account"
)

// TokenValidator resolves a session token to its data.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*model.TokenData, error)
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Tokens  TokenValidator
	APIKeys []string
}

// RequireAccount authenticates the caller and stores the acting account in
// the request context. A session token (X-Token) acts for the account it
// was issued to. An operator API key (X-API-Key or Bearer) acts for the
// account named in X-Account.
func RequireAccount(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := r.Header.Get("X-Token"); token != "" && cfg.Tokens != nil {
				data, err := cfg.Tokens.ValidateToken(r.Context(), token)
				if err != nil {
					response.Error(w, apierror.Unauthorized("Invalid or expired token"))
					return
				}
				ctx := context.WithValue(r.Context(), TokenDataKey, data)
				ctx = context.WithValue(ctx, AccountKey, data.Account)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					apiKey = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if apiKey == "" {
				response.Error(w, apierror.Unauthorized("Authentication required. Use X-Token or X-API-Key header."))
				return
			}
			if !isValidKey(apiKey, cfg.APIKeys) {
				response.Error(w, apierror.Unauthorized("Invalid API key"))
				return
			}

			account := r.Header.Get("X-Account")
			if !common.IsHexAddress(account) {
				response.Error(w, apierror.ValidationError("X-Account", "X-Account must name the acting address"))
				return
			}
			ctx := context.WithValue(r.Context(), AccountKey, common.HexToAddress(account))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireLoginKey guards admin endpoints with the X-Login-Key header.
// An empty key disables them.
func RequireLoginKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				response.Error(w, apierror.ServiceUnavailable("Admin API not configured"))
				return
			}
			if !isValidKey(r.Header.Get("X-Login-Key"), []string{key}) {
				response.Error(w, apierror.Unauthorized("Invalid login key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isValidKey checks if the provided key is in the valid keys list.
func isValidKey(key string, validKeys []string) bool {
	if key == "" {
		return false
	}
	for _, valid := range validKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// GetTokenDataFromContext retrieves token data from request context.
func GetTokenDataFromContext(ctx context.Context) *model.TokenData {
	if data, ok := ctx.Value(TokenDataKey).(*model.TokenData); ok {
		return data
	}
	return nil
}

// AccountFromContext returns the authenticated account.
func AccountFromContext(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(AccountKey).(common.Address)
	return a, ok
}
