// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package overhttp carries the sync remote over HTTP: a client adapter for
// POS devices, the server handlers in front of a Backend, and a websocket
// channel that tells devices the server is reachable.
package overhttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

const (
	restPrefix   = "/rest/"
	batchPath    = "/rest/_batch"
	livePath     = "/sync/live"
	healthPath   = "/health"
	maxBodyBytes = 1 << 20
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type batchRequest struct {
	Calls []oversync.RemoteCall `json:"calls"`
}

type batchResponse struct {
	Results []oversync.Result `json:"results"`
}

type fetchResponse struct {
	Rows []oversync.Row `json:"rows"`
}

// LiveMessage types sent on the live channel.
const (
	LiveHello     = "hello"
	LiveHeartbeat = "heartbeat"
	LiveChange    = "change"
)

// LiveMessage is one frame on the live channel.
type LiveMessage struct {
	Type  string    `json:"type"`
	Time  time.Time `json:"time"`
	Table string    `json:"table,omitempty"`
	ID    string    `json:"id,omitempty"`
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(v)
}

// decodeJSON keeps numbers as json.Number so cent amounts pass through exactly.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func encodeJSON(v any) (io.Reader, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return bytes.NewReader(b), nil
}
