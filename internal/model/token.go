package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenData contains the data stored with a session token.
type TokenData struct {
	Account   common.Address `json:"account"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}
