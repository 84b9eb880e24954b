// Package client is a Go client for the diamond registry HTTP API. Owner-only
// requests are signed with the configured Neo key.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/diamond/internal/auth"
	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/events"
	"github.com/R3E-Network/diamond/internal/executor"
)

// ErrNoKey is returned by signed requests when the client has no key.
var ErrNoKey = errors.New("client: a signing key is required")

// APIError is a non-2xx answer from the registry.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry answered %d: %s", e.Status, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Key        *keys.PrivateKey
	Timeout    time.Duration
	MaxRetries int
}

// Client talks to one registry.
type Client struct {
	http       *http.Client
	baseURL    string
	key        *keys.PrivateKey
	maxRetries int
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		key:        cfg.Key,
		maxRetries: maxRetries,
	}
}

// Call dispatches selector with payload and returns the facet's output.
func (c *Client) Call(ctx context.Context, selector diamond.Selector, payload []byte) ([]byte, error) {
	body := map[string]string{"selector": selector.String()}
	if len(payload) > 0 {
		body["payload"] = base64.StdEncoding.EncodeToString(payload)
	}
	var out struct {
		Result []byte `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/call", body, false, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// CutResult summarizes a committed batch.
type CutResult struct {
	Applied   int    `json:"applied"`
	Selectors int    `json:"selectors"`
	Facets    int    `json:"facets"`
	Result    []byte `json:"result,omitempty"`
}

// Cut submits a batch of cuts with an optional init call.
func (c *Client) Cut(ctx context.Context, cuts []diamond.FacetCut, init *diamond.InitCall) (CutResult, error) {
	body := struct {
		Cuts []diamond.FacetCut `json:"cuts"`
		Init *diamond.InitCall  `json:"init,omitempty"`
	}{cuts, init}
	var out CutResult
	err := c.do(ctx, http.MethodPost, "/v1/cut", body, true, &out)
	return out, err
}

// Deploy uploads a script module.
func (c *Client) Deploy(ctx context.Context, name, source string) (executor.ModuleInfo, error) {
	var out executor.ModuleInfo
	err := c.do(ctx, http.MethodPost, "/v1/modules", map[string]string{"name": name, "source": source}, true, &out)
	return out, err
}

// Modules lists deployed modules.
func (c *Client) Modules(ctx context.Context) ([]executor.ModuleInfo, error) {
	var out []executor.ModuleInfo
	err := c.do(ctx, http.MethodGet, "/v1/modules", nil, false, &out)
	return out, err
}

// Route returns the facet selector is routed to.
func (c *Client) Route(ctx context.Context, selector diamond.Selector) (diamond.ModuleID, error) {
	var out struct {
		Module diamond.ModuleID `json:"module"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/routes/"+selector.String(), nil, false, &out)
	return out.Module, err
}

// Facets lists the routed facets.
func (c *Client) Facets(ctx context.Context) ([]diamond.Facet, error) {
	var out []diamond.Facet
	err := c.do(ctx, http.MethodGet, "/v1/facets", nil, false, &out)
	return out, err
}

// OwnerInfo is the registry's owner.
type OwnerInfo struct {
	Owner     string `json:"owner,omitempty"`
	Renounced bool   `json:"renounced"`
}

// Owner returns the current owner.
func (c *Client) Owner(ctx context.Context) (OwnerInfo, error) {
	var out OwnerInfo
	err := c.do(ctx, http.MethodGet, "/v1/owner", nil, false, &out)
	return out, err
}

// TransferOwnership hands the registry to newOwner.
func (c *Client) TransferOwnership(ctx context.Context, newOwner util.Uint160) (OwnerInfo, error) {
	var out OwnerInfo
	err := c.do(ctx, http.MethodPost, "/v1/owner/transfer", map[string]string{"new_owner": auth.FormatAccount(newOwner)}, true, &out)
	return out, err
}

// RenounceOwnership leaves the registry without an owner for good.
func (c *Client) RenounceOwnership(ctx context.Context) (OwnerInfo, error) {
	var out OwnerInfo
	err := c.do(ctx, http.MethodPost, "/v1/owner/renounce", struct{}{}, true, &out)
	return out, err
}

// Events returns up to limit recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]events.Event, error) {
	path := "/v1/events"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out []events.Event
	err := c.do(ctx, http.MethodGet, path, nil, false, &out)
	return out, err
}

// do sends one request. GETs are retried on transport errors and 5xx
// answers; writes are sent once.
func (c *Client) do(ctx context.Context, method, path string, body any, sign bool, target any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	if sign && c.key == nil {
		return ErrNoKey
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if sign {
			auth.SignRequest(req, c.key, raw)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		err = decodeResponse(resp, target)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status >= http.StatusInternalServerError {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
