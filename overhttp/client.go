// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

const DefaultRequestTimeout = 30 * time.Second

// TokenFunc returns the bearer token for the next request.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc that always yields token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// ClientConfig holds client settings.
type ClientConfig struct {
	BaseURL    string
	Token      TokenFunc // optional
	HTTPClient *http.Client
	Timeout    time.Duration // per request, ignored when HTTPClient is set
}

// Client is the HTTP remote adapter used by POS devices.
type Client struct {
	baseURL string
	token   TokenFunc
	http    *http.Client
	logger  *slog.Logger
}

var (
	_ oversync.RemoteAdapter = (*Client)(nil)
	_ oversync.BatchAdapter  = (*Client)(nil)
	_ oversync.RemoteFetcher = (*Client)(nil)
)

// NewClient creates a client for the server at config.BaseURL.
func NewClient(config *ClientConfig, logger *slog.Logger) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, errors.New("remote base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		http:    httpClient,
		logger:  logger,
	}, nil
}

func (c *Client) Insert(ctx context.Context, table string, row oversync.Row) (oversync.Result, error) {
	var res oversync.Result
	err := c.do(ctx, "insert", table, http.MethodPost, restPrefix+url.PathEscape(table), row, &res)
	return res, err
}

func (c *Client) Update(ctx context.Context, table string, row oversync.Row, matchID string) (oversync.Result, error) {
	var res oversync.Result
	err := c.do(ctx, "update", table, http.MethodPatch, restPrefix+url.PathEscape(table)+"/"+url.PathEscape(matchID), row, &res)
	return res, err
}

func (c *Client) Delete(ctx context.Context, table string, matchID string) (oversync.Result, error) {
	var res oversync.Result
	err := c.do(ctx, "delete", table, http.MethodDelete, restPrefix+url.PathEscape(table)+"/"+url.PathEscape(matchID), nil, &res)
	return res, err
}

// Batch sends all calls in one request; the server applies them atomically.
func (c *Client) Batch(ctx context.Context, calls []oversync.RemoteCall) ([]oversync.Result, error) {
	var resp batchResponse
	if err := c.do(ctx, "batch", "", http.MethodPost, batchPath, batchRequest{Calls: calls}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) Fetch(ctx context.Context, table string, since time.Time) ([]oversync.Row, error) {
	path := restPrefix + url.PathEscape(table)
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var resp fetchResponse
	if err := c.do(ctx, "fetch", table, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (c *Client) do(ctx context.Context, op, table, method, path string, body, out any) error {
	reqBody, err := encodeJSON(body)
	if err != nil {
		return oversync.PermanentError(op, table, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return oversync.PermanentError(op, table, fmt.Errorf("failed to create request: %w", err))
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return oversync.TransientError(op, table, fmt.Errorf("failed to get token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return oversync.TransientError(op, table, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, table, method, resp)
	}
	if out == nil {
		return nil
	}
	if err := decodeJSON(resp.Body, out); err != nil {
		return oversync.TransientError(op, table, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// statusError classifies a non-2xx response.
func statusError(op, table, method string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var body ErrorResponse
	if decodeJSON(strings.NewReader(msg), &body) == nil && body.Message != "" {
		msg = body.Message
	}
	cause := fmt.Errorf("%s: %s", http.StatusText(resp.StatusCode), msg)

	class := oversync.ClassTransient
	switch code := resp.StatusCode; {
	case code == http.StatusNotFound && method == http.MethodPatch:
		cause = oversync.ErrRemoteRowNotFound
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
	case code >= 400:
		class = oversync.ClassPermanent
	}
	return &oversync.RemoteError{
		Class:      class,
		Op:         op,
		Table:      table,
		StatusCode: resp.StatusCode,
		Err:        cause,
	}
}
