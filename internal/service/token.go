package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"nft-marketplace-api/internal/cache"
	"nft-marketplace-api/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const (
	// TokenPrefix is the prefix for all session tokens
	TokenPrefix = "nmt_"

	// TokenTTL is the default token lifetime (1 hour)
	TokenTTL = 1 * time.Hour

	tokenKeyPrefix = "token:"
)

var (
	ErrInvalidToken = errors.New("invalid token format")
	ErrTokenExpired = errors.New("token not found or expired")
)

// TokenService issues session tokens bound to an account address.
type TokenService struct {
	cache cache.Cache
	ttl   time.Duration
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewTokenService creates a token service. A zero ttl means TokenTTL.
func NewTokenService(c cache.Cache, ttl time.Duration, log logrus.FieldLogger) *TokenService {
	if ttl <= 0 {
		ttl = TokenTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TokenService{
		cache: c,
		ttl:   ttl,
		log:   log.WithField("component", "tokens"),
		now:   time.Now,
	}
}

// GenerateToken creates a new session token for account.
func (s *TokenService) GenerateToken(ctx context.Context, account common.Address) (string, *model.TokenData, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := TokenPrefix + hex.EncodeToString(tokenBytes)

	data := &model.TokenData{Account: account, CreatedAt: s.now().UTC()}
	data.ExpiresAt = data.CreatedAt.Add(s.ttl)
	if err := s.store(ctx, token, data); err != nil {
		return "", nil, err
	}

	s.log.WithFields(logrus.Fields{"account": account.Hex(), "expires": data.ExpiresAt}).Info("Generated token")
	return token, data, nil
}

// ValidateToken checks a token and returns its data.
func (s *TokenService) ValidateToken(ctx context.Context, token string) (*model.TokenData, error) {
	if !strings.HasPrefix(token, TokenPrefix) || len(token) == len(TokenPrefix) {
		return nil, ErrInvalidToken
	}

	raw, err := s.cache.Get(ctx, tokenKeyPrefix+token)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var data model.TokenData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse token data: %w", err)
	}
	if s.now().After(data.ExpiresAt) {
		s.cache.Delete(ctx, tokenKeyPrefix+token)
		return nil, ErrTokenExpired
	}
	return &data, nil
}

// RevokeToken deletes a token.
func (s *TokenService) RevokeToken(ctx context.Context, token string) error {
	return s.cache.Delete(ctx, tokenKeyPrefix+token)
}

// RefreshToken extends the lifetime of a valid token.
func (s *TokenService) RefreshToken(ctx context.Context, token string) (*model.TokenData, error) {
	data, err := s.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	data.ExpiresAt = s.now().UTC().Add(s.ttl)
	if err := s.store(ctx, token, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *TokenService) store(ctx context.Context, token string, data *model.TokenData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize token data: %w", err)
	}
	if err := s.cache.Set(ctx, tokenKeyPrefix+token, raw, s.ttl); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}
