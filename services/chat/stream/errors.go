// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorCode classifies a user-visible chat failure.
type ErrorCode string

const (
	CodeNetwork    ErrorCode = "NETWORK_ERROR"
	CodeTimeout    ErrorCode = "TIMEOUT"
	CodeAborted    ErrorCode = "ABORTED"
	CodeAuth       ErrorCode = "UNAUTHORIZED"
	CodeRateLimit  ErrorCode = "RATE_LIMITED"
	CodeServer     ErrorCode = "SERVER_ERROR"
	CodeValidation ErrorCode = "VALIDATION_ERROR"
	CodeParse      ErrorCode = "PARSE_ERROR"
	CodeUnknown    ErrorCode = "UNKNOWN"
)

// ChatError is a transport or upstream failure.
//
// Message is the upstream error text verbatim when the backend sent one,
// otherwise a short description such as "HTTP 502".
type ChatError struct {
	Code    ErrorCode
	Status  int
	Message string
	Err     error
}

func (e *ChatError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Message
}

func (e *ChatError) Unwrap() error { return e.Err }

// IsRetryable reports whether re-sending the same prompt may succeed.
func (e *ChatError) IsRetryable() bool {
	switch e.Code {
	case CodeNetwork, CodeTimeout, CodeServer, CodeRateLimit:
		return true
	}
	return false
}

// AsChatError unwraps err into a *ChatError, classifying it when it is
// not one already. Returns nil for a nil err.
func AsChatError(err error) *ChatError {
	if err == nil {
		return nil
	}
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce
	}
	return classify(err)
}

// FromResponse builds a ChatError from a non-2xx status and its body.
func FromResponse(status int, body []byte) *ChatError {
	msg := ExtractErrorText(body)
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	ce := &ChatError{Status: status, Message: msg}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		ce.Code = CodeAuth
	case status == http.StatusTooManyRequests:
		ce.Code = CodeRateLimit
	case status >= 400 && status < 500:
		ce.Code = CodeValidation
	case status >= 500:
		ce.Code = CodeServer
	default:
		ce.Code = CodeUnknown
	}
	return ce
}

// ExtractErrorText pulls an error string out of a response body.
//
// # Description
//
// JSON bodies are checked for "error" (string), "message", "error.message"
// and "detail", in that order. A non-JSON body is returned trimmed, unless
// it looks like an HTML error page.
func ExtractErrorText(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		if strings.HasPrefix(trimmed, "<") {
			return ""
		}
		return trimmed
	}
	if s, ok := obj["error"].(string); ok && s != "" {
		return s
	}
	if s, ok := obj["message"].(string); ok && s != "" {
		return s
	}
	if nested, ok := obj["error"].(map[string]any); ok {
		if s, ok := nested["message"].(string); ok && s != "" {
			return s
		}
	}
	if s, ok := obj["detail"].(string); ok && s != "" {
		return s
	}
	return ""
}

func classify(err error) *ChatError {
	switch {
	case errors.Is(err, context.Canceled):
		return &ChatError{Code: CodeAborted, Message: "Request aborted", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ChatError{Code: CodeTimeout, Message: "Request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &ChatError{Code: CodeTimeout, Message: "Request timed out", Err: err}
		}
		return &ChatError{Code: CodeNetwork, Message: "Network request failed", Err: err}
	}
	return &ChatError{Code: CodeUnknown, Message: err.Error(), Err: err}
}
