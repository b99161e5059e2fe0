// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package admp

import (
	"errors"
	"fmt"
)

// HubError is a structured error response from the ADMP hub. Callers
// use errors.As to inspect it:
//
//	var hubErr *admp.HubError
//	if errors.As(err, &hubErr) && hubErr.StatusCode == 404 { ... }
type HubError struct {
	// Code is the hub error code (e.g., "not_registered",
	// "group_access_denied").
	Code string `json:"code"`
	// Message is the human-readable description from the hub.
	Message string `json:"error"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
	// Body is the raw response body, kept for responses the error
	// shape didn't parse cleanly from.
	Body string `json:"-"`
}

func (e *HubError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("admp: hub error %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("admp: hub error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("admp: hub error (%d): %s", e.StatusCode, e.Body)
}

// IsHubStatus reports whether err is a *HubError with the given HTTP
// status code.
func IsHubStatus(err error, statusCode int) bool {
	var hubErr *HubError
	return errors.As(err, &hubErr) && hubErr.StatusCode == statusCode
}
