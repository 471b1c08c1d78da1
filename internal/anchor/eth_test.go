package anchor

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinelgate/internal/logging"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

type mockClient struct {
	mu        sync.Mutex
	nonce     uint64
	sent      []*types.Transaction
	sendErr   error
	gasErr    error
	receipt   *types.Receipt
	closed    bool
	estimated bool
}

func (m *mockClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

func (m *mockClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimated = true
	if m.gasErr != nil {
		return 0, m.gasErr
	}
	return 90_000, nil
}

func (m *mockClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	m.nonce++
	return nil
}

func (m *mockClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receipt == nil {
		return nil, ethereum.NotFound
	}
	return m.receipt, nil
}

func (m *mockClient) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func newTestAnchor(t *testing.T, client *mockClient) *EthAnchor {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	a, err := New(Config{
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:    1337,
		Contract:   testContract,
	}, logging.Discard(), WithClient(client), WithPolling(5*time.Millisecond, time.Second))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNew_ValidatesConfig(t *testing.T) {
	key := "0x" + hex.EncodeToString(make([]byte, 31)) + "01"
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"short key", Config{PrivateKey: "abc", ChainID: 1, Contract: testContract}, ErrInvalidPrivateKey},
		{"non-hex key", Config{PrivateKey: string(make([]byte, 64)), ChainID: 1, Contract: testContract}, ErrInvalidPrivateKey},
		{"bad contract", Config{PrivateKey: key, ChainID: 1, Contract: "nope"}, ErrInvalidContract},
		{"no rpc", Config{PrivateKey: key, ChainID: 1, Contract: testContract}, ErrRPCConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, logging.Discard())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSubmit_SendsLogThreat(t *testing.T) {
	client := &mockClient{}
	a := newTestAnchor(t, client)

	ref, err := a.Submit(context.Background(), ThreatEvent{UserID: "attacker-1", AttackType: "repetitive_probing"})
	require.NoError(t, err)

	client.mu.Lock()
	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	client.mu.Unlock()

	assert.Equal(t, tx.Hash().Hex(), ref)
	assert.Equal(t, common.HexToAddress(testContract), *tx.To())
	assert.Equal(t, uint64(90_000), tx.Gas())

	method := a.abi.Methods["logThreat"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, HashUserID("attacker-1"), args[0], "only the hashed user ID is submitted")
	assert.Equal(t, "repetitive_probing", args[1])

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, a.Address(), sender.Hex())
}

func TestSubmit_SequentialNonces(t *testing.T) {
	client := &mockClient{}
	a := newTestAnchor(t, client)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Submit(context.Background(), ThreatEvent{UserID: "u", AttackType: "high_frequency"})
		}()
	}
	wg.Wait()

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.sent, 5)
	for i, tx := range client.sent {
		assert.Equal(t, uint64(i), tx.Nonce())
	}
}

func TestSubmit_GasEstimateFallback(t *testing.T) {
	client := &mockClient{gasErr: errors.New("execution reverted")}
	a := newTestAnchor(t, client)

	_, err := a.Submit(context.Background(), ThreatEvent{UserID: "u", AttackType: "high_frequency"})
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, DefaultGasLimit, client.sent[0].Gas())
}

func TestSubmit_SendError(t *testing.T) {
	rpcErr := errors.New("connection refused")
	a := newTestAnchor(t, &mockClient{sendErr: rpcErr})

	ref, err := a.Submit(context.Background(), ThreatEvent{UserID: "u", AttackType: "high_frequency"})
	assert.Empty(t, ref)
	require.Error(t, err)

	var se *SubmitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "send", se.Op)
	assert.NotEmpty(t, se.TxHash)
	assert.ErrorIs(t, err, rpcErr)
}

func TestWatcher_ObservesConfirmation(t *testing.T) {
	client := &mockClient{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7)}}
	a := newTestAnchor(t, client)

	before := promtest.ToFloat64(confirmationsTotal.WithLabelValues("confirmed"))
	_, err := a.Submit(context.Background(), ThreatEvent{UserID: "u", AttackType: "high_frequency"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(confirmationsTotal.WithLabelValues("confirmed")) == before+1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClose_ReleasesClient(t *testing.T) {
	client := &mockClient{}
	a := newTestAnchor(t, client)
	a.Close()
	a.Close()

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.True(t, client.closed)
}

func TestSubmitError_Message(t *testing.T) {
	err := &SubmitError{Op: "nonce", Err: errors.New("boom")}
	assert.Equal(t, "anchor: nonce failed: boom", err.Error())

	err = &SubmitError{Op: "send", TxHash: "0xabc", Err: errors.New("boom")}
	assert.Equal(t, "anchor: send failed (tx: 0xabc): boom", err.Error())
}

func TestHashUserID(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashUserID(""))
	assert.Len(t, HashUserID("alice"), 64)
	assert.NotEqual(t, HashUserID("alice"), HashUserID("bob"))
}

func TestNoop(t *testing.T) {
	ref, err := Noop{}.Submit(context.Background(), ThreatEvent{})
	assert.NoError(t, err)
	assert.Empty(t, ref)
}
