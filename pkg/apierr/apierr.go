// Package apierr provides the typed pipeline errors returned by gateway
// stages and their JSON rendering.
//
// Every stage that can short-circuit a request (admission, strategy
// resolution, upstream forward) returns an *Error carrying the HTTP status
// and a machine-readable type/code pair. The response body uses the
// OpenAI-style envelope {"error": {...}} so existing client SDKs surface the
// message cleanly.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeAuthenticationErr = "authentication_error"
	TypeBudgetError       = "budget_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeUnauthenticated       = "unauthenticated"
	CodeMisconfigured         = "misconfigured"
	CodeQuotaExceeded         = "quota_exceeded"
	CodeBudgetExceeded        = "budget_exceeded"
	CodeStrategyNotFound      = "strategy_not_found"
	CodeStrategyMisconfigured = "strategy_misconfigured"
	CodeUpstreamUnavailable   = "upstream_unavailable"
	CodeInternalSecurity      = "internal_security_error"
	CodeInvalidProvider       = "invalid_provider"
	CodeInternalError         = "internal_error"
)

// Error is a pipeline failure with a caller-visible HTTP mapping.
type Error struct {
	Status  int
	Type    string
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Code, e.Message, e.Status)
}

// New constructs an *Error.
func New(status int, errType, code, message string) *Error {
	return &Error{Status: status, Type: errType, Code: code, Message: message}
}

// Convenience constructors for the pipeline taxonomy.

func Unauthenticated(message string) *Error {
	return New(fasthttp.StatusUnauthorized, TypeAuthenticationErr, CodeUnauthenticated, message)
}

func Misconfigured(status int, message string) *Error {
	return New(status, TypeAuthenticationErr, CodeMisconfigured, message)
}

func QuotaExceeded(message string) *Error {
	return New(fasthttp.StatusTooManyRequests, TypeBudgetError, CodeQuotaExceeded, message)
}

func BudgetExceeded(message string) *Error {
	return New(fasthttp.StatusTooManyRequests, TypeBudgetError, CodeBudgetExceeded, message)
}

func StrategyNotFound(message string) *Error {
	return New(fasthttp.StatusBadRequest, TypeInvalidRequest, CodeStrategyNotFound, message)
}

func StrategyMisconfigured(message string) *Error {
	return New(fasthttp.StatusInternalServerError, TypeServerError, CodeStrategyMisconfigured, message)
}

func UpstreamUnavailable(status int, message string) *Error {
	return New(status, TypeProviderError, CodeUpstreamUnavailable, message)
}

func InternalSecurity(message string) *Error {
	return New(fasthttp.StatusInternalServerError, TypeServerError, CodeInternalSecurity, message)
}

func Internal(message string) *Error {
	return New(fasthttp.StatusInternalServerError, TypeServerError, CodeInternalError, message)
}

func InvalidProvider(message string) *Error {
	return New(fasthttp.StatusBadRequest, TypeInvalidRequest, CodeInvalidProvider, message)
}

type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Write renders e as JSON on the fasthttp response.
func Write(ctx *fasthttp.RequestCtx, e *Error) {
	ctx.SetStatusCode(e.Status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(envelope{Error: body{
		Message: e.Message,
		Type:    e.Type,
		Code:    e.Code,
	}})
	ctx.SetBody(data)
	if e.Status == fasthttp.StatusTooManyRequests {
		// Budget windows reset monthly, but a short hint keeps well-behaved
		// clients from hammering a blocked project.
		ctx.Response.Header.Set("Retry-After", "60")
	}
}

// From converts an arbitrary error into an *Error. Unknown errors map to a
// 500 with a generic message so internals never leak to callers.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal server error")
}
