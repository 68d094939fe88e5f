package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ConfirmationState is the terminal (or in-flight) outcome of one
// submission.
type ConfirmationState int

const (
	ConfirmationSubmitted ConfirmationState = iota
	ConfirmationSuccess
	ConfirmationRevert
	ConfirmationFailed
)

func (s ConfirmationState) String() string {
	switch s {
	case ConfirmationSubmitted:
		return "submitted"
	case ConfirmationSuccess:
		return "success"
	case ConfirmationRevert:
		return "revert"
	case ConfirmationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrChainMismatch = errors.New("connected node is on the wrong chain")
	ErrOwnerMismatch = errors.New("configured key is not the account owner")
	ErrInvalidTarget = errors.New("invalid target address")
)

// Config describes the single supported chain.
type Config struct {
	ID             uint64        `yaml:"id"`
	RPCURL         string        `yaml:"rpcUrl"`
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval"`
}

func DefaultConfig() Config {
	return Config{
		ID:             232,
		RPCURL:         "https://rpc.lens.xyz",
		ConfirmTimeout: 2 * time.Minute,
		PollInterval:   2 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ID == 0 {
		cfg.ID = def.ID
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = def.RPCURL
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return cfg
}

// Backend is the ethclient surface the writer needs; *ethclient.Client
// satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Writer submits executeTransaction calls against the managed account,
// signed by the owner key, and tracks them to a receipt.
type Writer struct {
	cfg     Config
	backend Backend
	key     *ecdsa.PrivateKey
	owner   common.Address
	account common.Address
	chainID *big.Int
	logger  *slog.Logger
}

// NewWriter dials the configured RPC endpoint and verifies it serves the
// configured chain id before anything is signed against it.
func NewWriter(ctx context.Context, cfg Config, accountAddress string, key *ecdsa.PrivateKey, logger *slog.Logger) (*Writer, error) {
	cfg = normalizeConfig(cfg)
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return NewWriterWithBackend(ctx, cfg, client, accountAddress, key, logger)
}

func NewWriterWithBackend(ctx context.Context, cfg Config, backend Backend, accountAddress string, key *ecdsa.PrivateKey, logger *slog.Logger) (*Writer, error) {
	cfg = normalizeConfig(cfg)
	if key == nil {
		return nil, ErrNoOwnerKey
	}
	if !common.IsHexAddress(accountAddress) {
		return nil, fmt.Errorf("%w: managed account %q", ErrInvalidTarget, accountAddress)
	}
	if logger == nil {
		logger = slog.Default()
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if chainID.Uint64() != cfg.ID {
		return nil, fmt.Errorf("%w: want %d, node reports %s", ErrChainMismatch, cfg.ID, chainID)
	}

	return &Writer{
		cfg:     cfg,
		backend: backend,
		key:     key,
		owner:   gethcrypto.PubkeyToAddress(key.PublicKey),
		account: common.HexToAddress(accountAddress),
		chainID: chainID,
		logger:  logger,
	}, nil
}

func (w *Writer) ChainID() uint64        { return w.cfg.ID }
func (w *Writer) ManagedAccount() string { return w.account.Hex() }
func (w *Writer) OwnerAddress() string   { return w.owner.Hex() }

// OwnerOnChain reads owner() from the managed account.
func (w *Writer) OwnerOnChain(ctx context.Context) (string, error) {
	calldata, err := ownerCalldata()
	if err != nil {
		return "", err
	}
	output, err := w.backend.CallContract(ctx, ethereum.CallMsg{To: &w.account, Data: calldata}, nil)
	if err != nil {
		return "", fmt.Errorf("owner() call failed: %w", err)
	}
	addr, err := unpackOwner(output)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// VerifyOwner confirms the loaded key controls the managed account.
func (w *Writer) VerifyOwner(ctx context.Context) error {
	onChain, err := w.OwnerOnChain(ctx)
	if err != nil {
		return err
	}
	if !strings.EqualFold(onChain, w.owner.Hex()) {
		return fmt.Errorf("%w: account owner is %s, key controls %s", ErrOwnerMismatch, onChain, w.owner.Hex())
	}
	return nil
}

// SubmitExecute wraps (to, value, data) in executeTransaction calldata,
// signs with the owner key and broadcasts. The inner value rides in the
// calldata; the outer transaction always carries zero value.
func (w *Writer) SubmitExecute(ctx context.Context, to string, value *big.Int, data []byte) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, to)
	}
	calldata, err := executeCalldata(common.HexToAddress(to), value, data)
	if err != nil {
		return "", err
	}

	nonce, err := w.backend.PendingNonceAt(ctx, w.owner)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest tip: %w", err)
	}
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: w.owner,
		To:   &w.account,
		Data: calldata,
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &w.account,
		Value:     new(big.Int),
		Data:      calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}

	hash := signed.Hash().Hex()
	w.logger.Info("execute submitted", "tx_hash", hash, "target", to, "nonce", nonce)
	return hash, nil
}

// WaitConfirmation polls for the receipt of hash until it lands, the
// configured timeout elapses, or ctx is cancelled.
func (w *Writer) WaitConfirmation(ctx context.Context, hashHex string) (ConfirmationState, error) {
	hash := common.HexToHash(hashHex)

	timer := time.NewTimer(w.cfg.ConfirmTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return ConfirmationSuccess, nil
			}
			return ConfirmationRevert, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return ConfirmationFailed, fmt.Errorf("fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return ConfirmationFailed, ctx.Err()
		case <-timer.C:
			return ConfirmationFailed, fmt.Errorf("no receipt for %s within %s", hashHex, w.cfg.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}
