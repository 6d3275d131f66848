package model

import "errors"

// ErrNonexistentToken is returned by asset registries for token ids that
// were never minted.
var ErrNonexistentToken = errors.New("nonexistent token")
