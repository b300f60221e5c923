// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeInvalidRequest    = "invalid_request"
	CodeModelNotFound     = "model_not_found"
	CodeUpstreamExhausted = "upstream_exhausted"
	CodeValidationFailed  = "validation_failed"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error    APIError  `json:"error"`
		Attempts []Attempt `json:"attempts,omitempty"`
	}
)

// Attempt records one upstream try for the terminal failure envelope.
type Attempt struct {
	Provider string `json:"provider"`
	Outcome  string `json:"outcome"`
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUpstreamExhausted writes the 502 returned when every candidate provider
// failed (or none existed), listing each attempt and its classification.
func WriteUpstreamExhausted(ctx *fasthttp.RequestCtx, attempts []Attempt) {
	if attempts == nil {
		attempts = []Attempt{}
	}
	ctx.SetStatusCode(fasthttp.StatusBadGateway)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{
		Error: APIError{
			Message: "All upstream providers failed",
			Type:    TypeProviderError,
			Code:    CodeUpstreamExhausted,
		},
		Attempts: attempts,
	})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 rate limit error with the given Retry-After seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteUnauthorized writes a 401 for a missing or invalid bearer token.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "missing or invalid API key", TypeAuthenticationErr, CodeInvalidAPIKey)
}
