package model

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes data with the legacy Keccak-256 used by Ethereum.
func Keccak256(data string) common.Hash {
	hasher := sha3.NewLegacyKeccak256()

	hasher.Write([]byte(data))

	return common.BytesToHash(hasher.Sum(nil))
}
