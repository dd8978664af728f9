// Package evm implements the chain.Adapter capability surface for an
// EVM-compatible chain holding a burnable/mintable ERC-20 token.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/chainsafe/tokenbridge/pkg/chain"
	"github.com/chainsafe/tokenbridge/pkg/config"
)

// tokenABI covers the calls the bridge makes against the wrapped token:
// supply changes, balance checks, and the AccessControl mint role.
const tokenABI = `[
	{"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"MINTER_ROLE","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
]`

// Client represents an EVM chain adapter.
type Client struct {
	cfg        *config.EvmConfig
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	token      *bind.BoundContract
	logger     *zap.Logger

	mu        sync.Mutex
	submitted map[string]chain.TxRef
}

// NewClient connects to the EVM chain and verifies the network id.
func NewClient(ctx context.Context, cfg *config.EvmConfig, logger *zap.Logger) (*Client, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("%w: expected chain id %d, node reports %s",
			chain.ErrWrongNetwork, cfg.ChainID, chainID)
	}

	var privateKey *ecdsa.PrivateKey
	var address common.Address
	if cfg.SignerPrivateKey != "" {
		privateKey, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerPrivateKey, "0x"))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to load private key: %w", err)
		}
		address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	tokenAddress := common.HexToAddress(cfg.TokenContract)
	token := bind.NewBoundContract(tokenAddress, parsed, client, client, client)

	logger.Info("Connected to EVM chain",
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("token_contract", tokenAddress.Hex()),
		zap.String("signer_address", address.Hex()))

	return &Client{
		cfg:        cfg,
		client:     client,
		privateKey: privateKey,
		address:    address,
		token:      token,
		logger:     logger,
		submitted:  make(map[string]chain.TxRef),
	}, nil
}

// Close closes the EVM client.
func (c *Client) Close() {
	c.client.Close()
}

// NetworkID returns the configured chain identifier.
func (c *Client) NetworkID() string {
	return strconv.FormatInt(c.cfg.ChainID, 10)
}

// Decimals returns the token decimal precision on this chain.
func (c *Client) Decimals() int {
	return c.cfg.TokenDecimals
}

// ValidateDestination checks for a well-formed EVM address.
func (c *Client) ValidateDestination(identity string) error {
	if !common.IsHexAddress(identity) {
		return fmt.Errorf("invalid EVM address: %q", identity)
	}
	return nil
}

// SubmitBurn broadcasts a burn of the signer's own token balance. The
// transaction is signed first and its hash handed to recordRef before
// anything goes on the wire, so a crash between the two leaves a
// durable reference to a never-sent transaction instead of an untracked
// broadcast.
func (c *Client) SubmitBurn(ctx context.Context, amount *big.Int, idempotencyKey string, recordRef chain.RecordRef) (chain.TxRef, error) {
	if ref, ok := c.priorSubmission(idempotencyKey); ok {
		return ref, nil
	}
	if c.privateKey == nil {
		return chain.TxRef{}, chain.ErrSignerUnavailable
	}

	var out []interface{}
	err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", c.address)
	if err != nil {
		return chain.TxRef{}, fmt.Errorf("%w: balance query: %v", chain.ErrSubmission, err)
	}
	balance := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if balance.Cmp(amount) < 0 {
		return chain.TxRef{}, fmt.Errorf("%w: have %s, need %s",
			chain.ErrInsufficientBalance, balance, amount)
	}

	tx, ref, err := c.signTx(ctx, "burn", amount)
	if err != nil {
		return chain.TxRef{}, err
	}
	if recordRef != nil {
		if err := recordRef(ref); err != nil {
			return chain.TxRef{}, err
		}
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return chain.TxRef{}, fmt.Errorf("%w: burn: %v", chain.ErrSubmission, err)
	}
	c.recordSubmission(idempotencyKey, ref)

	c.logger.Info("Burn transaction submitted",
		zap.String("tx_hash", ref.Hash),
		zap.String("amount", amount.String()))
	return ref, nil
}

// SubmitMint broadcasts a mint crediting the destination address.
// Requires the signer to hold MINTER_ROLE on the token. Same
// sign-record-send discipline as SubmitBurn.
func (c *Client) SubmitMint(ctx context.Context, amount *big.Int, destination, idempotencyKey string, recordRef chain.RecordRef) (chain.TxRef, error) {
	if ref, ok := c.priorSubmission(idempotencyKey); ok {
		return ref, nil
	}
	if c.privateKey == nil {
		return chain.TxRef{}, chain.ErrSignerUnavailable
	}
	if err := c.ValidateDestination(destination); err != nil {
		return chain.TxRef{}, err
	}

	hasRole, err := c.hasMinterRole(ctx)
	if err != nil {
		return chain.TxRef{}, fmt.Errorf("%w: minter role query: %v", chain.ErrSubmission, err)
	}
	if !hasRole {
		return chain.TxRef{}, fmt.Errorf("%w: signer %s lacks MINTER_ROLE",
			chain.ErrAuthorityUnavailable, c.address.Hex())
	}

	tx, ref, err := c.signTx(ctx, "mint", common.HexToAddress(destination), amount)
	if err != nil {
		return chain.TxRef{}, err
	}
	if recordRef != nil {
		if err := recordRef(ref); err != nil {
			return chain.TxRef{}, err
		}
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return chain.TxRef{}, fmt.Errorf("%w: mint: %v", chain.ErrSubmission, err)
	}
	c.recordSubmission(idempotencyKey, ref)

	c.logger.Info("Mint transaction submitted",
		zap.String("tx_hash", ref.Hash),
		zap.String("recipient", destination),
		zap.String("amount", amount.String()))
	return ref, nil
}

// signTx builds and signs a token call without broadcasting it, so the
// caller can persist the hash first.
func (c *Client) signTx(ctx context.Context, method string, args ...interface{}) (*types.Transaction, chain.TxRef, error) {
	auth, err := c.transactor(ctx)
	if err != nil {
		return nil, chain.TxRef{}, fmt.Errorf("%w: %v", chain.ErrSubmission, err)
	}
	auth.NoSend = true

	tx, err := c.token.Transact(auth, method, args...)
	if err != nil {
		return nil, chain.TxRef{}, fmt.Errorf("%w: %s: %v", chain.ErrSubmission, method, err)
	}
	return tx, chain.TxRef{ChainID: c.NetworkID(), Hash: tx.Hash().Hex()}, nil
}

// Ping verifies the node still answers and reports the configured
// chain id.
func (c *Client) Ping(ctx context.Context) error {
	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("evm chain id query: %w", err)
	}
	if chainID.Int64() != c.cfg.ChainID {
		return fmt.Errorf("%w: expected chain id %d, node reports %s",
			chain.ErrWrongNetwork, c.cfg.ChainID, chainID)
	}
	return nil
}

// AwaitFinality polls for the transaction receipt and the configured
// confirmation depth. A pending transaction is never reported confirmed.
func (c *Client) AwaitFinality(ctx context.Context, ref chain.TxRef, timeout time.Duration) (chain.FinalityStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hash := common.HexToHash(ref.Hash)
	ticker := time.NewTicker(c.cfg.ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == 0 {
				return chain.FinalityReverted, nil
			}
			head, err := c.client.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+c.cfg.ConfirmationBlocks {
				return chain.FinalityConfirmed, nil
			}
		} else if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			c.logger.Debug("Receipt not yet available",
				zap.String("tx_hash", ref.Hash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return chain.FinalityTimedOut, nil
			}
			return chain.FinalityTimedOut, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) hasMinterRole(ctx context.Context) (bool, error) {
	opts := &bind.CallOpts{Context: ctx}

	var roleOut []interface{}
	if err := c.token.Call(opts, &roleOut, "MINTER_ROLE"); err != nil {
		return false, err
	}
	role := *abi.ConvertType(roleOut[0], new([32]byte)).(*[32]byte)

	var out []interface{}
	if err := c.token.Call(opts, &out, "hasRole", role, c.address); err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// transactor builds a signer with a fresh pending nonce and a gas price
// capped at max_gas_price.
func (c *Client) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, big.NewInt(c.cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	auth.Nonce = big.NewInt(int64(nonce))
	auth.GasLimit = c.cfg.GasLimit
	auth.Context = ctx

	if c.cfg.MaxGasPrice != "" {
		maxGasPrice := new(big.Int)
		maxGasPrice.SetString(c.cfg.MaxGasPrice, 10)

		gasPrice, err := c.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		if gasPrice.Cmp(maxGasPrice) > 0 {
			c.logger.Warn("Suggested gas price exceeds maximum",
				zap.String("suggested", gasPrice.String()),
				zap.String("max", maxGasPrice.String()))
			gasPrice = maxGasPrice
		}
		auth.GasPrice = gasPrice
	}

	return auth, nil
}

// priorSubmission returns the tx ref already broadcast for a key, so a
// retry after a transient failure never double-submits.
func (c *Client) priorSubmission(key string) (chain.TxRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.submitted[key]
	return ref, ok
}

func (c *Client) recordSubmission(key string, ref chain.TxRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted[key] = ref
}

var _ chain.Adapter = (*Client)(nil)
