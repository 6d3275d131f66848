package devnet

import (
	"fmt"
	"os"

	"nft-marketplace-api/pkg/wei"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Fixture describes the initial devnet state: collections, tokens, owners,
// approvals and wallet balances.
type Fixture struct {
	Marketplace string              `yaml:"marketplace"`
	Collections []FixtureCollection `yaml:"collections"`
	Balances    map[string]string   `yaml:"balances"`
}

// FixtureCollection is one ERC-721 collection.
type FixtureCollection struct {
	Address   string         `yaml:"address"`
	Name      string         `yaml:"name"`
	Tokens    []FixtureToken `yaml:"tokens"`
	Operators []string       `yaml:"operators"` // owners that approve the marketplace for all tokens
}

// FixtureToken is a minted token. Approved grants the marketplace a
// single-token approval.
type FixtureToken struct {
	ID       string `yaml:"id"`
	Owner    string `yaml:"owner"`
	Approved bool   `yaml:"approved"`
}

// LoadFixture reads a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes and validates a YAML fixture.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Fixture) validate() error {
	if f.Marketplace != "" && !common.IsHexAddress(f.Marketplace) {
		return fmt.Errorf("fixture: invalid marketplace address %q", f.Marketplace)
	}
	for _, c := range f.Collections {
		if !common.IsHexAddress(c.Address) {
			return fmt.Errorf("fixture: invalid collection address %q", c.Address)
		}
		for _, t := range c.Tokens {
			if _, err := wei.Parse(t.ID); err != nil {
				return fmt.Errorf("fixture: collection %s: token id %q: %w", c.Address, t.ID, err)
			}
			if !common.IsHexAddress(t.Owner) {
				return fmt.Errorf("fixture: collection %s: invalid owner %q", c.Address, t.Owner)
			}
		}
		for _, op := range c.Operators {
			if !common.IsHexAddress(op) {
				return fmt.Errorf("fixture: collection %s: invalid operator owner %q", c.Address, op)
			}
		}
	}
	for account, amount := range f.Balances {
		if !common.IsHexAddress(account) {
			return fmt.Errorf("fixture: invalid balance account %q", account)
		}
		if _, err := wei.Parse(amount); err != nil {
			return fmt.Errorf("fixture: balance of %s: %w", account, err)
		}
	}
	return nil
}

// MarketplaceAddress returns the configured marketplace operator, falling
// back to def when the fixture leaves it empty.
func (f *Fixture) MarketplaceAddress(def common.Address) common.Address {
	if f.Marketplace == "" {
		return def
	}
	return common.HexToAddress(f.Marketplace)
}

// Apply seeds reg and w. The fixture must have been validated.
func (f *Fixture) Apply(reg *Registry, w *Wallet) error {
	for _, c := range f.Collections {
		asset := common.HexToAddress(c.Address)
		reg.Deploy(asset, c.Name)

		for _, t := range c.Tokens {
			id, _ := wei.Parse(t.ID)
			owner := common.HexToAddress(t.Owner)
			if err := reg.MintID(asset, owner, id); err != nil {
				return err
			}
			if t.Approved {
				if err := reg.Approve(asset, id, owner, reg.Marketplace()); err != nil {
					return err
				}
			}
		}
		for _, op := range c.Operators {
			if err := reg.SetApprovalForAll(asset, common.HexToAddress(op), reg.Marketplace(), true); err != nil {
				return err
			}
		}
	}

	if w != nil {
		for account, amount := range f.Balances {
			v, _ := wei.Parse(amount)
			w.Fund(common.HexToAddress(account), v)
		}
	}
	return nil
}
