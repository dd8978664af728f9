package canton

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/tokenbridge/pkg/chain"
	"github.com/chainsafe/tokenbridge/pkg/config"
)

type fakeParticipant struct {
	networkID string
	// number of status polls answered "pending" before committing
	pollsUntilCommit int64
	polls            int64
	mintErr          *apiError
	lastMint         mintRequest
	lastBurn         burnRequest
}

func (f *fakeParticipant) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ledger/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ledgerInfoResponse{NetworkID: f.networkID})
	})
	mux.HandleFunc("/api/v1/commands/burn", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.lastBurn)
		json.NewEncoder(w).Encode(submitResponse{UpdateID: "update-burn-1"})
	})
	mux.HandleFunc("/api/v1/commands/mint", func(w http.ResponseWriter, r *http.Request) {
		if f.mintErr != nil {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(f.mintErr)
			return
		}
		json.NewDecoder(r.Body).Decode(&f.lastMint)
		json.NewEncoder(w).Encode(submitResponse{UpdateID: "update-mint-1"})
	})
	mux.HandleFunc("/api/v1/updates/", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&f.polls, 1) > f.pollsUntilCommit {
			json.NewEncoder(w).Encode(updateResponse{Status: updateStatusCommitted})
			return
		}
		json.NewEncoder(w).Encode(updateResponse{Status: updateStatusPending})
	})
	return mux
}

func testCantonConfig(url string) *config.CantonConfig {
	return &config.CantonConfig{
		APIURL:                   url,
		NetworkID:                "canton-devnet",
		TokenDecimals:            10,
		OperatorParty:            "operator::deadbeef01",
		TokenManagerCID:          "00abc123",
		ConfirmationPollInterval: time.Millisecond,
	}
}

func newTestClient(t *testing.T, f *fakeParticipant) *Client {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	client, err := NewClient(context.Background(), testCantonConfig(server.URL), nil, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestNewClientRejectsWrongNetwork(t *testing.T) {
	server := httptest.NewServer((&fakeParticipant{networkID: "canton-mainnet"}).handler())
	defer server.Close()

	_, err := NewClient(context.Background(), testCantonConfig(server.URL), nil, zap.NewNop())
	assert.ErrorIs(t, err, chain.ErrWrongNetwork)
}

func TestSubmitBurnFormatsAmount(t *testing.T) {
	f := &fakeParticipant{networkID: "canton-devnet"}
	client := newTestClient(t, f)

	// 1.5 tokens at 10 decimals.
	var recorded chain.TxRef
	ref, err := client.SubmitBurn(context.Background(), big.NewInt(15_000_000_000), "transfer-1", func(r chain.TxRef) error {
		recorded = r
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "canton-devnet", ref.ChainID)
	assert.Equal(t, "update-burn-1", ref.Hash)
	assert.Equal(t, ref, recorded)

	assert.Equal(t, "transfer-1", f.lastBurn.CommandID)
	assert.Equal(t, "1.5", f.lastBurn.Amount)
	assert.Equal(t, "operator::deadbeef01", f.lastBurn.Operator)
}

func TestSubmitMint(t *testing.T) {
	f := &fakeParticipant{networkID: "canton-devnet"}
	client := newTestClient(t, f)

	ref, err := client.SubmitMint(context.Background(), big.NewInt(10_000_000_000), "alice::abcdef1234", "transfer-2", nil)
	require.NoError(t, err)
	assert.Equal(t, "update-mint-1", ref.Hash)
	assert.Equal(t, "transfer-2", f.lastMint.CommandID)
	assert.Equal(t, "alice::abcdef1234", f.lastMint.Recipient)
	assert.Equal(t, "1", f.lastMint.Amount)
}

func TestSubmitMintClassifiesAuthorityError(t *testing.T) {
	f := &fakeParticipant{
		networkID: "canton-devnet",
		mintErr:   &apiError{Code: "NO_MINT_AUTHORITY", Message: "operator lacks mint capability"},
	}
	client := newTestClient(t, f)

	_, err := client.SubmitMint(context.Background(), big.NewInt(1), "alice::abcdef1234", "transfer-3", nil)
	assert.ErrorIs(t, err, chain.ErrAuthorityUnavailable)
}

func TestSubmitMintSurfacesRecordFailure(t *testing.T) {
	f := &fakeParticipant{networkID: "canton-devnet"}
	client := newTestClient(t, f)

	recordFailed := errors.New("ledger write refused")
	_, err := client.SubmitMint(context.Background(), big.NewInt(1), "alice::abcdef1234", "transfer-4", func(chain.TxRef) error {
		return recordFailed
	})
	assert.ErrorIs(t, err, recordFailed)
}

func TestPing(t *testing.T) {
	f := &fakeParticipant{networkID: "canton-devnet"}
	client := newTestClient(t, f)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestPingDetectsNetworkChange(t *testing.T) {
	// The participant answered with the right network at startup and was
	// later repointed at another ledger.
	server := httptest.NewServer((&fakeParticipant{networkID: "canton-mainnet"}).handler())
	defer server.Close()

	client := &Client{
		cfg:        testCantonConfig(server.URL),
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
	}
	assert.ErrorIs(t, client.Ping(context.Background()), chain.ErrWrongNetwork)
}

func TestAwaitFinalityPollsUntilCommitted(t *testing.T) {
	f := &fakeParticipant{networkID: "canton-devnet", pollsUntilCommit: 2}
	client := newTestClient(t, f)

	status, err := client.AwaitFinality(context.Background(),
		chain.TxRef{ChainID: "canton-devnet", Hash: "update-1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, chain.FinalityConfirmed, status)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&f.polls), int64(3))
}

func TestAwaitFinalityTimesOut(t *testing.T) {
	f := &fakeParticipant{networkID: "canton-devnet", pollsUntilCommit: 1 << 30}
	client := newTestClient(t, f)

	status, err := client.AwaitFinality(context.Background(),
		chain.TxRef{ChainID: "canton-devnet", Hash: "update-1"}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, chain.FinalityTimedOut, status)
}

func TestValidateDestination(t *testing.T) {
	client := &Client{cfg: testCantonConfig("http://unused")}

	assert.NoError(t, client.ValidateDestination("alice::abcdef1234"))
	assert.NoError(t, client.ValidateDestination("bridge-operator::00d34db33f"))
	assert.Error(t, client.ValidateDestination("alice"))
	assert.Error(t, client.ValidateDestination("alice::XYZ"))
	assert.Error(t, client.ValidateDestination("0x1111111111111111111111111111111111111111"))
}
