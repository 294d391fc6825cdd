// Package rpc implements the JSON-RPC 2.0 envelope the router speaks to
// clients and upstreams: request/response types, the canonical error code
// table, and the handful of constructors every dispatch path uses.
package rpc

import (
	"encoding/json"
)

// Canonical error codes. Anything not in this table is a bug, not a client
// error: handlers must map every failure mode to one of these.
const (
	CodeInvalidVersion   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternal         = -32603
	CodeUpstreamFailed   = -32001
	CodeResourceReadFail = -32010

	CodeAggregationTools     = -32020
	CodeAggregationPrompts   = -32021
	CodeAggregationResources = -32022
	CodeAggregationRead      = -32023

	CodeSubscriptionMissing  = -32050
	CodeSubscriptionExpired  = -32051
	CodeRequestsExceeded     = -32052
	CodeTokensExceeded       = -32053
)

// Request is an inbound JSON-RPC 2.0 call. ID may be a string, a number, or
// absent; Params defaults to an empty object when omitted.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// UnmarshalJSON fills in the "2.0" default and normalizes an absent params
// field to an empty JSON object so callers never have to nil-check it.
func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
	aux := alias{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Request(aux)
	if r.JSONRPC == "" {
		r.JSONRPC = "2.0"
	}
	if len(r.Params) == 0 {
		r.Params = json.RawMessage("{}")
	}
	return nil
}

// Response is an outbound JSON-RPC 2.0 reply. Exactly one of Result or
// Error is populated.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error shape.
type ErrorObject struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

var nullID = json.RawMessage("null")

// idOrNull returns the input id verbatim, or a JSON null when the request
// carried no id at all — absent and null are treated identically on the
// response per the envelope's normalization rule.
func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// NewResult builds a successful response echoing the request id.
func NewResult(id json.RawMessage, result interface{}) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewError(id, CodeInternal, "marshaling result: "+err.Error(), nil)
	}
	return &Response{
		JSONRPC: "2.0",
		ID:      idOrNull(id),
		Result:  raw,
	}
}

// NewError builds an error response echoing the request id.
func NewError(id json.RawMessage, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      idOrNull(id),
		Error: &ErrorObject{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// MethodNotFound builds the canonical -32601 response for an unrecognized method.
func MethodNotFound(id json.RawMessage, method string) *Response {
	return NewError(id, CodeMethodNotFound, "method not found: "+method, nil)
}

// InvalidParams builds the canonical -32602 response.
func InvalidParams(id json.RawMessage, message string) *Response {
	return NewError(id, CodeInvalidParams, message, nil)
}

// Internal builds the canonical -32603 response.
func Internal(id json.RawMessage, message string) *Response {
	return NewError(id, CodeInternal, message, nil)
}

// IsError reports whether this response carries an error, used by callers
// that need the "ok"/"error" status label for metrics.
func (r *Response) IsError() bool {
	return r != nil && r.Error != nil
}

// StatusLabel returns "ok" or "error" for metric labeling.
func (r *Response) StatusLabel() string {
	if r.IsError() {
		return "error"
	}
	return "ok"
}
