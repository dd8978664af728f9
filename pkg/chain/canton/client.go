// Package canton implements the chain.Adapter capability surface for a
// Canton participant. Token supply changes are exercised through the
// participant's bridge API; command deduplication on the ledger gives
// submissions their idempotency.
package canton

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/tokenbridge/pkg/chain"
	"github.com/chainsafe/tokenbridge/pkg/config"
)

// Canton party ids are "alias::fingerprint".
var partyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+::[0-9a-f]{8,}$`)

type updateStatus string

const (
	updateStatusPending   updateStatus = "pending"
	updateStatusCommitted updateStatus = "committed"
	updateStatusRejected  updateStatus = "rejected"
)

// Client represents a Canton chain adapter.
type Client struct {
	cfg        *config.CantonConfig
	httpClient *http.Client
	auth       AuthProvider
	logger     *zap.Logger
}

// NewClient connects to the participant bridge API and verifies the
// configured network id against the ledger's.
func NewClient(ctx context.Context, cfg *config.CantonConfig, auth AuthProvider, logger *zap.Logger) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		auth:       auth,
		logger:     logger,
	}

	info, err := c.ledgerInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger info: %w", err)
	}
	if info.NetworkID != cfg.NetworkID {
		return nil, fmt.Errorf("%w: expected network %q, participant reports %q",
			chain.ErrWrongNetwork, cfg.NetworkID, info.NetworkID)
	}

	logger.Info("Connected to Canton participant",
		zap.String("api_url", cfg.APIURL),
		zap.String("network_id", info.NetworkID),
		zap.String("operator_party", cfg.OperatorParty))

	return c, nil
}

// NetworkID returns the configured ledger identifier.
func (c *Client) NetworkID() string {
	return c.cfg.NetworkID
}

// Decimals returns the token decimal precision on this chain.
func (c *Client) Decimals() int {
	return c.cfg.TokenDecimals
}

// ValidateDestination checks for a well-formed Canton party id.
func (c *Client) ValidateDestination(identity string) error {
	if !partyIDPattern.MatchString(identity) {
		return fmt.Errorf("invalid Canton party id: %q", identity)
	}
	return nil
}

type burnRequest struct {
	CommandID       string `json:"command_id"`
	Operator        string `json:"operator"`
	TokenManagerCID string `json:"token_manager_cid"`
	Amount          string `json:"amount"`
}

type mintRequest struct {
	CommandID       string `json:"command_id"`
	Operator        string `json:"operator"`
	TokenManagerCID string `json:"token_manager_cid"`
	Recipient       string `json:"recipient"`
	Amount          string `json:"amount"`
}

type submitResponse struct {
	UpdateID string `json:"update_id"`
}

type updateResponse struct {
	Status updateStatus `json:"status"`
}

type ledgerInfoResponse struct {
	NetworkID string `json:"network_id"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitBurn exercises a burn of the operator's own holdings. The
// command id doubles as the ledger deduplication key, so a retried
// submission returns the original update; recordRef therefore runs
// after the submission, once the update id is known.
func (c *Client) SubmitBurn(ctx context.Context, amount *big.Int, idempotencyKey string, recordRef chain.RecordRef) (chain.TxRef, error) {
	req := burnRequest{
		CommandID:       idempotencyKey,
		Operator:        c.cfg.OperatorParty,
		TokenManagerCID: c.cfg.TokenManagerCID,
		Amount:          c.formatAmount(amount),
	}

	var resp submitResponse
	if err := c.post(ctx, "/api/v1/commands/burn", req, &resp); err != nil {
		return chain.TxRef{}, err
	}

	ref := chain.TxRef{ChainID: c.cfg.NetworkID, Hash: resp.UpdateID}
	if recordRef != nil {
		if err := recordRef(ref); err != nil {
			return chain.TxRef{}, err
		}
	}

	c.logger.Info("Burn command submitted",
		zap.String("update_id", resp.UpdateID),
		zap.String("amount", req.Amount))
	return ref, nil
}

// SubmitMint exercises a mint crediting the recipient party. Requires
// the operator to hold the token manager's mint authority.
func (c *Client) SubmitMint(ctx context.Context, amount *big.Int, destination, idempotencyKey string, recordRef chain.RecordRef) (chain.TxRef, error) {
	if err := c.ValidateDestination(destination); err != nil {
		return chain.TxRef{}, err
	}

	req := mintRequest{
		CommandID:       idempotencyKey,
		Operator:        c.cfg.OperatorParty,
		TokenManagerCID: c.cfg.TokenManagerCID,
		Recipient:       destination,
		Amount:          c.formatAmount(amount),
	}

	var resp submitResponse
	if err := c.post(ctx, "/api/v1/commands/mint", req, &resp); err != nil {
		return chain.TxRef{}, err
	}

	ref := chain.TxRef{ChainID: c.cfg.NetworkID, Hash: resp.UpdateID}
	if recordRef != nil {
		if err := recordRef(ref); err != nil {
			return chain.TxRef{}, err
		}
	}

	c.logger.Info("Mint command submitted",
		zap.String("update_id", resp.UpdateID),
		zap.String("recipient", destination),
		zap.String("amount", req.Amount))
	return ref, nil
}

// AwaitFinality polls the update status until the participant reports
// it committed or rejected.
func (c *Client) AwaitFinality(ctx context.Context, ref chain.TxRef, timeout time.Duration) (chain.FinalityStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		var resp updateResponse
		err := c.get(ctx, "/api/v1/updates/"+ref.Hash, &resp)
		if err == nil {
			switch resp.Status {
			case updateStatusCommitted:
				return chain.FinalityConfirmed, nil
			case updateStatusRejected:
				return chain.FinalityReverted, nil
			}
		} else if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			c.logger.Debug("Update status not yet available",
				zap.String("update_id", ref.Hash), zap.Error(err))
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

// formatAmount renders a smallest-unit integer as the ledger's decimal
// string representation.
func (c *Client) formatAmount(amount *big.Int) string {
	return decimal.NewFromBigInt(amount, -int32(c.cfg.TokenDecimals)).String()
}

// Ping verifies the participant still answers and reports the
// configured network id.
func (c *Client) Ping(ctx context.Context) error {
	info, err := c.ledgerInfo(ctx)
	if err != nil {
		return fmt.Errorf("canton ledger info: %w", err)
	}
	if info.NetworkID != c.cfg.NetworkID {
		return fmt.Errorf("%w: expected network %q, participant reports %q",
			chain.ErrWrongNetwork, c.cfg.NetworkID, info.NetworkID)
	}
	return nil
}

func (c *Client) ledgerInfo(ctx context.Context) (*ledgerInfoResponse, error) {
	var resp ledgerInfoResponse
	if err := c.get(ctx, "/api/v1/ledger/info", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.auth != nil {
		token, _, err := c.auth.Token(req.Context())
		if err != nil {
			return fmt.Errorf("%w: obtain token: %v", chain.ErrSubmission, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", chain.ErrSubmission, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.classifyError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", chain.ErrSubmission, err)
		}
	}
	return nil
}

// classifyError maps participant API error codes onto the adapter's
// error taxonomy so the orchestrator can tell a permanent authority
// problem from a retryable one.
func (c *Client) classifyError(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrBodyBytes)
	b, _ := io.ReadAll(limited)

	var apiErr apiError
	_ = json.Unmarshal(b, &apiErr)

	switch apiErr.Code {
	case "NO_MINT_AUTHORITY":
		return fmt.Errorf("%w: %s", chain.ErrAuthorityUnavailable, apiErr.Message)
	case "INSUFFICIENT_HOLDINGS":
		return fmt.Errorf("%w: %s", chain.ErrInsufficientBalance, apiErr.Message)
	case "OPERATOR_NOT_ALLOCATED":
		return fmt.Errorf("%w: %s", chain.ErrSignerUnavailable, apiErr.Message)
	}
	return fmt.Errorf("%w: participant returned %d: %s", chain.ErrSubmission, resp.StatusCode, string(b))
}

var _ chain.Adapter = (*Client)(nil)
