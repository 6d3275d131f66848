// Package chain connects the marketplace to an Ethereum node: NFT ownership
// is read from ERC-721 contracts and transfers and payouts are sent as
// transactions signed by the marketplace operator key.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

var (
	// ErrReverted is returned when a mined transaction failed.
	ErrReverted = errors.New("transaction reverted")
	// ErrPending is returned for a transaction that is not mined yet.
	ErrPending = errors.New("transaction pending")
)

// Payment is a mined, successful transaction as seen by the payer.
type Payment struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Block uint64
}

// Backend is what the registry and payer need from a node.
type Backend interface {
	Operator() common.Address
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error)
	Payment(ctx context.Context, hash common.Hash) (*Payment, error)
}

type BlockchainClient struct {
	client         *ethclient.Client
	chainID        *big.Int
	key            *ecdsa.PrivateKey
	operator       common.Address
	confirmTimeout time.Duration

	// Serializes nonce assignment for the operator account.
	sendMu sync.Mutex
}

var _ Backend = (*BlockchainClient)(nil)

// NewBlockchainClient dials rpcURL and loads the hex operator key.
func NewBlockchainClient(ctx context.Context, rpcURL, operatorKey string, confirmTimeout time.Duration) (*BlockchainClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid operator key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 2 * time.Minute
	}

	bc := &BlockchainClient{
		client:         client,
		chainID:        chainID,
		key:            key,
		operator:       crypto.PubkeyToAddress(key.PublicKey),
		confirmTimeout: confirmTimeout,
	}
	logrus.Infof("Connected to chain %s as operator %s", chainID, bc.operator.Hex())
	return bc, nil
}

func (bc *BlockchainClient) Operator() common.Address {
	return bc.operator
}

func (bc *BlockchainClient) ChainID() *big.Int {
	return new(big.Int).Set(bc.chainID)
}

func (bc *BlockchainClient) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	return bc.client.BlockNumber(ctx)
}

// Call runs a read-only contract call against the latest block.
func (bc *BlockchainClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return bc.client.CallContract(ctx, ethereum.CallMsg{From: bc.operator, To: &to, Data: data}, nil)
}

// Send signs and submits a transaction from the operator account and waits
// until it is mined. A mined but failed transaction yields ErrReverted.
func (bc *BlockchainClient) Send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	signed, err := bc.submit(ctx, to, value, data)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, bc.confirmTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, bc.client, signed)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, signed.Hash().Hex())
	}
	return receipt, nil
}

// Payment looks up a mined transaction and recovers its sender.
func (bc *BlockchainClient) Payment(ctx context.Context, hash common.Hash) (*Payment, error) {
	tx, pending, err := bc.client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", hash.Hex(), err)
	}
	if pending {
		return nil, fmt.Errorf("%w: %s", ErrPending, hash.Hex())
	}
	receipt, err := bc.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	from, err := types.Sender(types.LatestSignerForChainID(bc.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("sender of %s: %w", hash.Hex(), err)
	}

	p := &Payment{From: from, Value: tx.Value(), Block: receipt.BlockNumber.Uint64()}
	if tx.To() != nil {
		p.To = *tx.To()
	}
	return p, nil
}

func (bc *BlockchainClient) submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	bc.sendMu.Lock()
	defer bc.sendMu.Unlock()

	nonce, err := bc.client.PendingNonceAt(ctx, bc.operator)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := bc.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas, err := bc.client.EstimateGas(ctx, ethereum.CallMsg{From: bc.operator, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(bc.chainID), bc.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := bc.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	logrus.WithFields(logrus.Fields{"tx": signed.Hash().Hex(), "to": to.Hex(), "nonce": nonce}).Debug("Transaction submitted")
	return signed, nil
}

func (bc *BlockchainClient) Close() {
	bc.client.Close()
}
