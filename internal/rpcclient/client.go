// Package rpcclient implements the chain JSON-RPC client of §4.1: per-call
// timeout, error classification, and primary/fallback failover. Grounded on
// exec/client.go's http.Client{Timeout: ...} pattern and
// internal/chainlink/client.go's polling HTTP client.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Commitment mirrors the chain's confirmation levels used by
// getLatestBlockhash/confirmTransaction.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Blockhash is the response shape of getLatestBlockhash.
type Blockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
	Slot                 uint64
}

// AccountInfo is the response shape of getAccountInfo/getProgramAccounts.
type AccountInfo struct {
	Pubkey string
	Data   []byte
	Slot   uint64
}

// endpoint tracks failover health for one RPC URL.
type endpoint struct {
	url                 string
	mu                  sync.Mutex
	consecutiveFailures int
	down                bool
	downSince           time.Time
}

// Client is the chain RPC client with timeout, classification, and
// primary/fallback failover (§4.1).
type Client struct {
	httpClient *http.Client
	timeout    time.Duration

	mu        sync.Mutex
	primary   *endpoint
	fallbacks []*endpoint
	rrIndex   int

	failoverThreshold int
	reprobeInterval   time.Duration
}

// NewClient builds an RPC client. primary is the preferred endpoint;
// fallbacks are tried round-robin once primary is marked down.
func NewClient(primary string, fallbacks []string, timeout time.Duration) *Client {
	c := &Client{
		httpClient:        &http.Client{Timeout: timeout},
		timeout:           timeout,
		primary:           &endpoint{url: primary},
		failoverThreshold: 3,
		reprobeInterval:   60 * time.Second,
	}
	for _, u := range fallbacks {
		c.fallbacks = append(c.fallbacks, &endpoint{url: u})
	}
	return c
}

// selectEndpoint picks the primary unless it is marked down and still inside
// its reprobe window, in which case it round-robins across fallbacks. Once
// the window has elapsed the primary is tried again.
func (c *Client) selectEndpoint() *endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.primary.mu.Lock()
	primaryDown := c.primary.down
	reprobe := !c.primary.downSince.IsZero() && time.Since(c.primary.downSince) >= c.reprobeInterval
	c.primary.mu.Unlock()

	if !primaryDown || reprobe || len(c.fallbacks) == 0 {
		return c.primary
	}

	ep := c.fallbacks[c.rrIndex%len(c.fallbacks)]
	c.rrIndex++
	return ep
}

func (c *Client) recordResult(ep *endpoint, classification Classification) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if classification == ClassRetryable {
		ep.consecutiveFailures++
		if ep.consecutiveFailures >= c.failoverThreshold {
			if !ep.down {
				log.Warn().Str("endpoint", ep.url).Msg("rpc endpoint marked down after consecutive retryable failures")
			}
			// A failed reprobe starts a new reprobe window.
			ep.down = true
			ep.downSince = time.Now()
		}
	} else {
		if ep.down {
			log.Info().Str("endpoint", ep.url).Msg("rpc endpoint recovered")
		}
		ep.consecutiveFailures = 0
		ep.down = false
		ep.downSince = time.Time{}
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one JSON-RPC request against the currently selected
// endpoint, under the client's configured timeout.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	ep := c.selectEndpoint()

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rpcclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpcclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cls := Classify(err)
		c.recordResult(ep, cls)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		httpErr := fmt.Errorf("rpc http %d", resp.StatusCode)
		c.recordResult(ep, ClassRetryable)
		return httpErr
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		c.recordResult(ep, ClassUnknown)
		return fmt.Errorf("rpcclient: decode response: %w", err)
	}
	if rr.Error != nil {
		rpcErr := fmt.Errorf("rpc error %d: %s", rr.Error.Code, rr.Error.Message)
		c.recordResult(ep, Classify(rpcErr))
		return rpcErr
	}

	c.recordResult(ep, ClassUnknown) // success path: clear failure streak
	if out != nil {
		return json.Unmarshal(rr.Result, out)
	}
	return nil
}

// GetSlot returns the current slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.call(ctx, "getSlot", nil, &slot)
	return slot, err
}

// GetBalance returns an account's lamport balance.
func (c *Client) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	var out struct {
		Value uint64 `json:"value"`
	}
	err := c.call(ctx, "getBalance", []any{pubkey}, &out)
	return out.Value, err
}

// GetLatestBlockhash fetches a fresh blockhash at the given commitment.
func (c *Client) GetLatestBlockhash(ctx context.Context, commitment Commitment) (Blockhash, error) {
	var out struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	err := c.call(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": string(commitment)}}, &out)
	if err != nil {
		return Blockhash{}, err
	}
	return Blockhash{Hash: out.Value.Blockhash, LastValidBlockHeight: out.Value.LastValidBlockHeight, Slot: out.Context.Slot}, nil
}

// GetAccountInfo fetches a single account's data.
func (c *Client) GetAccountInfo(ctx context.Context, pubkey string) (AccountInfo, error) {
	var out struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Data [2]string `json:"data"`
		} `json:"value"`
	}
	err := c.call(ctx, "getAccountInfo", []any{pubkey, map[string]string{"encoding": "base64"}}, &out)
	if err != nil {
		return AccountInfo{}, err
	}
	var data []byte
	if out.Value.Data[0] != "" {
		data, err = base64.StdEncoding.DecodeString(out.Value.Data[0])
		if err != nil {
			return AccountInfo{}, fmt.Errorf("rpcclient: decode account data: %w", err)
		}
	}
	return AccountInfo{Pubkey: pubkey, Data: data, Slot: out.Context.Slot}, nil
}

// GetProgramAccounts fetches accounts owned by program matching filters.
// filters is passed through verbatim to the RPC node.
func (c *Client) GetProgramAccounts(ctx context.Context, program string, filters []any) ([]AccountInfo, error) {
	var raw []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data [2]string `json:"data"`
		} `json:"account"`
	}
	err := c.call(ctx, "getProgramAccounts", []any{program, map[string]any{"filters": filters, "encoding": "base64"}}, &raw)
	if err != nil {
		return nil, err
	}
	accounts := make([]AccountInfo, 0, len(raw))
	for _, r := range raw {
		var data []byte
		if r.Account.Data[0] != "" {
			data, err = base64.StdEncoding.DecodeString(r.Account.Data[0])
			if err != nil {
				return nil, fmt.Errorf("rpcclient: decode account data for %s: %w", r.Pubkey, err)
			}
		}
		accounts = append(accounts, AccountInfo{Pubkey: r.Pubkey, Data: data})
	}
	return accounts, nil
}

// SendTransaction submits a signed, base64-encoded transaction and returns
// its signature.
func (c *Client) SendTransaction(ctx context.Context, signedTxBase64 string) (string, error) {
	var sig string
	err := c.call(ctx, "sendTransaction", []any{signedTxBase64, map[string]any{"encoding": "base64"}}, &sig)
	return sig, err
}

// SimulateTransaction dry-runs a signed transaction.
func (c *Client) SimulateTransaction(ctx context.Context, signedTxBase64 string) error {
	return c.call(ctx, "simulateTransaction", []any{signedTxBase64, map[string]any{"encoding": "base64"}}, nil)
}

// ConfirmTransaction checks the signature's status once (getSignatureStatuses)
// and reports whether it has reached confirmed or finalized. It does not
// poll, and lastValidBlockHeight is not consulted.
func (c *Client) ConfirmTransaction(ctx context.Context, signature string, lastValidBlockHeight uint64) (bool, error) {
	var out struct {
		Value []struct {
			ConfirmationStatus string `json:"confirmationStatus"`
			Err                any    `json:"err"`
		} `json:"value"`
	}
	err := c.call(ctx, "getSignatureStatuses", []any{[]string{signature}}, &out)
	if err != nil {
		return false, err
	}
	if len(out.Value) == 0 {
		return false, nil
	}
	if out.Value[0].Err != nil {
		return false, fmt.Errorf("transaction failed: %v", out.Value[0].Err)
	}
	status := out.Value[0].ConfirmationStatus
	return status == string(CommitmentConfirmed) || status == string(CommitmentFinalized), nil
}
