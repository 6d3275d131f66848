package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"nft-marketplace-api/internal/cache"
	"nft-marketplace-api/internal/model"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// ChallengeTTL bounds how long a login challenge can be answered.
const ChallengeTTL = 5 * time.Minute

const challengeKeyPrefix = "challenge:"

var (
	ErrChallengeNotFound = errors.New("no pending challenge for account")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrSignerMismatch    = errors.New("signature was not made by account")
)

// AuthService authenticates accounts by having them sign a one-time
// challenge with their Ethereum key (personal_sign).
type AuthService struct {
	cache  cache.Cache
	tokens *TokenService
	domain string
	log    logrus.FieldLogger
}

// NewAuthService creates an auth service. domain names the service in the
// message users sign.
func NewAuthService(c cache.Cache, tokens *TokenService, domain string, log logrus.FieldLogger) *AuthService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuthService{
		cache:  c,
		tokens: tokens,
		domain: domain,
		log:    log.WithField("component", "auth"),
	}
}

// IssueChallenge creates a fresh challenge for account and returns the
// message to sign. A new challenge replaces any pending one.
func (s *AuthService) IssueChallenge(ctx context.Context, account common.Address) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	msg := fmt.Sprintf("Sign in to %s\nAccount: %s\nNonce: %s", s.domain, account.Hex(), hex.EncodeToString(nonce))
	if err := s.cache.Set(ctx, challengeKeyPrefix+account.Hex(), []byte(msg), ChallengeTTL); err != nil {
		return "", fmt.Errorf("failed to store challenge: %w", err)
	}
	return msg, nil
}

// Login verifies the signature over the pending challenge and issues a
// session token. The challenge is consumed even if verification fails.
func (s *AuthService) Login(ctx context.Context, account common.Address, signature string) (string, *model.TokenData, error) {
	msg, err := s.cache.Take(ctx, challengeKeyPrefix+account.Hex())
	if errors.Is(err, cache.ErrCacheMiss) {
		return "", nil, ErrChallengeNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	signer, err := RecoverSigner(msg, signature)
	if err != nil {
		return "", nil, err
	}
	if signer != account {
		s.log.WithFields(logrus.Fields{"account": account.Hex(), "signer": signer.Hex()}).Warn("Login signature mismatch")
		return "", nil, ErrSignerMismatch
	}

	return s.tokens.GenerateToken(ctx, account)
}

// RecoverSigner returns the address that produced an EIP-191 personal
// signature over msg. Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(msg []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
