package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Remote API Client
//
// Stateless request/response wrapper around the hub. Holds no sync
// state beyond the cached JWT; every call classifies its failure into
// the taxonomy in errors.go so the engine can decide retry policy.
// ============================================================================

// HubClient talks to one hub.
type HubClient struct {
	baseURL    string
	username   string
	password   string
	authToken  string
	clientID   string
	httpClient *http.Client
}

// NewHubClient builds a client from the workspace configuration.
func NewHubClient(cfg *Config) *HubClient {
	return &HubClient{
		baseURL:  cfg.HubURL,
		username: cfg.HubUsername,
		password: cfg.HubPassword,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetClientID tags pull requests so the hub can omit this client's own
// submissions from the feed.
func (hc *HubClient) SetClientID(id string) {
	hc.clientID = id
}

// Health pings the hub's open health endpoint.
func (hc *HubClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL+"/api/v1/health", nil)
	if err != nil {
		return serr.Wrap(err, "failed to create health check request")
	}
	resp, err := hc.httpClient.Do(req)
	if err != nil {
		return NetworkError("hub unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return NetworkError(fmt.Sprintf("health check returned %d", resp.StatusCode), nil)
	}
	return nil
}

// login posts credentials and caches the JWT.
func (hc *HubClient) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": hc.username,
		"password": hc.password,
	})
	if err != nil {
		return serr.Wrap(err, "failed to marshal login request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		hc.baseURL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return serr.Wrap(err, "failed to create login request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.httpClient.Do(req)
	if err != nil {
		return NetworkError("login request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ClassifyStatus(resp.StatusCode, "login rejected")
	}

	var apiResp struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return serr.Wrap(err, "failed to decode login response")
	}
	if !apiResp.Success || apiResp.Data.Token == "" {
		return ValidationError("login response missing token")
	}

	hc.authToken = apiResp.Data.Token
	logger.Info("Authenticated with hub", "hub_url", hc.baseURL)
	return nil
}

// doAuthenticated sends a request with the cached JWT, logging in first
// when no token is cached and once more on 401 so token expiry is
// invisible to callers. The body is kept as bytes so the retry can
// rebuild the request.
func (hc *HubClient) doAuthenticated(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	if hc.authToken == "" {
		if err := hc.login(ctx); err != nil {
			return nil, err
		}
	}

	build := func() (*http.Request, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return nil, serr.Wrap(err, "failed to create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+hc.authToken)
		return req, nil
	}

	req, err := build()
	if err != nil {
		return nil, err
	}
	resp, err := hc.httpClient.Do(req)
	if err != nil {
		return nil, NetworkError("request failed", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := hc.login(ctx); err != nil {
			return nil, serr.Wrap(err, "re-authentication failed after 401")
		}
		req, err = build()
		if err != nil {
			return nil, err
		}
		resp, err = hc.httpClient.Do(req)
		if err != nil {
			return nil, NetworkError("retry request failed", err)
		}
	}
	return resp, nil
}

// Submit sends a change batch to the hub's sync endpoint. 200 and 207
// both return a parsed response; per-change outcomes live in its Errors
// list. 400 means the whole batch failed and is returned the same way
// so the caller can mark every change from the echoed errors.
func (hc *HubClient) Submit(ctx context.Context, changes []WireChange) (*SubmitResponse, error) {
	body, err := json.Marshal(SubmitRequest{Changes: changes})
	if err != nil {
		return nil, serr.Wrap(err, "failed to marshal sync submission")
	}

	resp, err := hc.doAuthenticated(ctx, http.MethodPost, hc.baseURL+"/api/v1/sync", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusMultiStatus, http.StatusBadRequest:
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, ClassifyStatus(resp.StatusCode, string(raw))
	}

	var apiResp struct {
		Success bool           `json:"success"`
		Data    SubmitResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, serr.Wrap(err, "failed to decode sync response")
	}
	return &apiResp.Data, nil
}

// FetchChanges pulls hub-side changes after the given cursor.
func (hc *HubClient) FetchChanges(ctx context.Context, since int64, limit int) (*ChangesResponse, error) {
	url := hc.baseURL + "/api/v1/changes?since=" + strconv.FormatInt(since, 10) +
		"&limit=" + strconv.Itoa(limit)
	if hc.clientID != "" {
		url += "&client=" + hc.clientID
	}
	resp, err := hc.doAuthenticated(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, ClassifyStatus(resp.StatusCode, string(raw))
	}

	var apiResp struct {
		Success bool            `json:"success"`
		Data    ChangesResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, serr.Wrap(err, "failed to decode changes response")
	}
	return &apiResp.Data, nil
}

// ============================================================================
// Entity-shaped convenience operations
//
// Thin wrappers issuing a one-change batch; interactive callers that
// bypass the drain (and tests) use these.
// ============================================================================

// submitOne sends a single change and surfaces its per-change error.
func (hc *HubClient) submitOne(ctx context.Context, change WireChange) error {
	resp, err := hc.Submit(ctx, []WireChange{change})
	if err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		msg := "change rejected"
		if len(resp.Errors[0].Errors) > 0 {
			msg = resp.Errors[0].Errors[0]
		}
		return ValidationError(msg)
	}
	return nil
}

// Create creates an entity with a client-assigned key.
func (hc *HubClient) Create(ctx context.Context, table, key string, obj map[string]any) error {
	return hc.submitOne(ctx, WireChange{Table: table, Key: key, Type: ChangeCreated, Obj: obj})
}

// Update applies partial field changes to an entity.
func (hc *HubClient) Update(ctx context.Context, table, key string, mods map[string]any) error {
	return hc.submitOne(ctx, WireChange{Table: table, Key: key, Type: ChangeUpdated, Mods: mods})
}

// Delete removes an entity.
func (hc *HubClient) Delete(ctx context.Context, table, key string) error {
	return hc.submitOne(ctx, WireChange{Table: table, Key: key, Type: ChangeDeleted})
}

// Move places a tree node at position relative to target.
func (hc *HubClient) Move(ctx context.Context, key, target, position string) error {
	return hc.submitOne(ctx, WireChange{
		Table: TableContentNode, Key: key, Type: ChangeMoved,
		Mods: map[string]any{"target": target, "position": position},
	})
}

// Copy copies a tree node to position relative to target, with a
// client-assigned key for the copy.
func (hc *HubClient) Copy(ctx context.Context, fromKey, newKey, target, position string) error {
	return hc.submitOne(ctx, WireChange{
		Table: TableContentNode, Key: newKey, Type: ChangeCopied, FromKey: fromKey,
		Mods: map[string]any{"target": target, "position": position},
	})
}
