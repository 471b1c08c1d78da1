package anchor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient is the subset of the go-ethereum client the anchor uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

const threatLogABI = `[
	{"inputs":[{"internalType":"string","name":"_userIdHash","type":"string"},{"internalType":"string","name":"_attackType","type":"string"}],"name":"logThreat","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint256","name":"id","type":"uint256"},{"indexed":true,"internalType":"address","name":"logger","type":"address"},{"indexed":false,"internalType":"string","name":"userIdHash","type":"string"},{"indexed":false,"internalType":"string","name":"attackType","type":"string"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],"name":"ThreatLogged","type":"event"}
]`

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(1_500_000)

	DefaultConfirmTimeout = 2 * time.Minute
	DefaultPollInterval   = 2 * time.Second

	watchQueueSize = 256
)

// Config for an EthAnchor.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x
	ChainID    int64
	Contract   string
}

// Option configures an EthAnchor.
type Option func(*EthAnchor)

// WithClient injects an Ethereum client instead of dialing RPCURL.
func WithClient(client EthClient) Option {
	return func(a *EthAnchor) { a.client = client }
}

// WithPolling overrides the receipt poll interval and confirmation timeout.
func WithPolling(interval, timeout time.Duration) Option {
	return func(a *EthAnchor) {
		a.pollInterval = interval
		a.confirmTimeout = timeout
	}
}

// EthAnchor submits logThreat transactions. Submissions are serialized so
// nonces are assigned in order; confirmations are watched in the
// background and only observed.
type EthAnchor struct {
	client   EthClient
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
	logger   *slog.Logger

	pollInterval   time.Duration
	confirmTimeout time.Duration

	sendMu    sync.Mutex
	watch     chan string
	watchDone chan struct{}
	closeOnce sync.Once
	stop      chan struct{}
}

var _ Submitter = (*EthAnchor)(nil)

// New validates cfg, connects (unless WithClient is given) and starts the
// confirmation watcher. Call Close to stop it.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*EthAnchor, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContract, cfg.Contract)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("anchor: chain ID required")
	}

	parsed, err := abi.JSON(strings.NewReader(threatLogABI))
	if err != nil {
		return nil, fmt.Errorf("anchor: parse ThreatLog ABI: %w", err)
	}

	a := &EthAnchor{
		key:            privateKey,
		from:           crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.Contract),
		abi:            parsed,
		logger:         logger,
		pollInterval:   DefaultPollInterval,
		confirmTimeout: DefaultConfirmTimeout,
		watch:          make(chan string, watchQueueSize),
		watchDone:      make(chan struct{}),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		a.client = client
	}

	go a.watchLoop()
	return a, nil
}

// Address is the account that signs anchoring transactions.
func (a *EthAnchor) Address() string {
	return a.from.Hex()
}

// Submit sends logThreat(sha256(userID), attackType) and returns the
// transaction hash without waiting for it to be mined.
func (a *EthAnchor) Submit(ctx context.Context, ev ThreatEvent) (string, error) {
	data, err := a.abi.Pack("logThreat", HashUserID(ev.UserID), ev.AttackType)
	if err != nil {
		return "", &SubmitError{Op: "pack", Err: err}
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return "", &SubmitError{Op: "nonce", Err: err}
	}

	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return "", &SubmitError{Op: "gas_price", Err: err}
	}

	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  a.from,
		To:    &a.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, a.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.key)
	if err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return "", &SubmitError{Op: "sign", Err: err}
	}

	hash := signed.Hash().Hex()
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return "", &SubmitError{Op: "send", TxHash: hash, Err: err}
	}
	submissionsTotal.WithLabelValues("sent").Inc()

	select {
	case a.watch <- hash:
	default:
		a.logger.Warn("anchor confirmation queue full, not watching tx", "tx", hash)
	}
	return hash, nil
}

// Close stops the confirmation watcher and releases the client.
func (a *EthAnchor) Close() {
	a.closeOnce.Do(func() {
		close(a.stop)
		<-a.watchDone
		a.client.Close()
	})
}

func (a *EthAnchor) watchLoop() {
	defer close(a.watchDone)
	for {
		select {
		case <-a.stop:
			return
		case hash := <-a.watch:
			a.awaitReceipt(hash)
		}
	}
}

func (a *EthAnchor) awaitReceipt(txHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	hash := common.HexToHash(txHash)
	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			confirmationsTotal.WithLabelValues("timeout").Inc()
			a.logger.Warn("anchor transaction not confirmed", "tx", txHash, "error", ErrConfirmTimeout)
			return
		case <-ticker.C:
			receipt, err := a.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet.
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				confirmationsTotal.WithLabelValues("reverted").Inc()
				a.logger.Error("anchor transaction reverted", "tx", txHash, "error", ErrReverted)
				return
			}
			confirmationsTotal.WithLabelValues("confirmed").Inc()
			var block uint64
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
			a.logger.Info("anchor transaction confirmed", "tx", txHash, "block", block, "gas_used", receipt.GasUsed)
			return
		}
	}
}
