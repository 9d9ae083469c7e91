// Package adapter translates between the gateway's canonical request shape
// and a concrete upstream provider API.
//
// There are no per-provider code paths: an Adapter is built from the
// provider's configuration row (base URL, auth header name and scheme), and
// the request body is forwarded as-is apart from the model rewrite done by
// the strategy engine. Usage parsing assumes the OpenAI-compatible
// usage.prompt_tokens / usage.completion_tokens shape and degrades to
// zero-cost accounting when it is absent.
package adapter

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/apiguardian/gateway/internal/store"
)

// Request is a fully-formed outbound upstream call.
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// Usage is what an upstream response tells us about consumption. Zero values
// mean the response carried no parseable usage block.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Adapter forwards requests to one configured provider.
type Adapter struct {
	provider *store.Provider
}

// New builds an Adapter from a provider configuration row.
func New(p *store.Provider) *Adapter {
	return &Adapter{provider: p}
}

// Transform composes the outbound URL and headers for a request body that has
// already had its model resolved. credential is the decrypted upstream key;
// it goes into the configured auth header and nowhere else.
func (a *Adapter) Transform(credential string, body []byte, pathSuffix string) *Request {
	url := strings.TrimRight(a.provider.BaseURL, "/")
	if suffix := strings.TrimLeft(pathSuffix, "/"); suffix != "" {
		url += "/" + suffix
	}

	headers := map[string]string{
		"Content-Type": "application/json",
	}

	header := a.provider.AuthHeader
	if header == "" {
		header = "Authorization"
	}
	value := credential
	if a.provider.AuthScheme != "" {
		value = a.provider.AuthScheme + " " + credential
	}
	headers[header] = value

	return &Request{URL: url, Headers: headers, Body: body}
}

// ParseUsage extracts token counts from an upstream response body. A response
// without a usage block (streaming chunks, error envelopes, non-OpenAI
// formats) yields zeros rather than an error.
func (a *Adapter) ParseUsage(respBody []byte) Usage {
	if !gjson.ValidBytes(respBody) {
		return Usage{}
	}
	return Usage{
		Model:            gjson.GetBytes(respBody, "model").String(),
		PromptTokens:     int(gjson.GetBytes(respBody, "usage.prompt_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(respBody, "usage.completion_tokens").Int()),
	}
}
