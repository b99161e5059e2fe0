// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP response reading for the
// runtime's JSON API clients (the ADMP hub client and the CLI health
// probe). Every body read is capped at MaxResponseSize so a
// misbehaving server cannot exhaust memory. These helpers are for
// JSON API responses, not streaming transfers.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize caps JSON API response body reads at 64 MB. Hub
// responses are orders of magnitude smaller; the bound only exists so
// a pathological response cannot exhaust memory.
const MaxResponseSize int64 = 64 << 20

// ReadResponse reads an HTTP response body up to MaxResponseSize.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON response body (bounded) and decodes it
// into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body for inclusion in an
// error message. Read errors are ignored; a partial or empty body is
// still useful diagnostically.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
