// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the JSON command and response objects exchanged with
// the browser extension.
package ipc

import (
	"bytes"
	"encoding/json"

	"github.com/dotandev/tokensign/internal/errors"
)

// APIVersion is sent in every response.
const APIVersion = 1

type CommandType string

const (
	TypeVersion CommandType = "VERSION"
	TypeCert    CommandType = "CERT"
	TypeSign    CommandType = "SIGN"
)

type Command struct {
	Type CommandType `json:"type"`
	// Nonce is opaque JSON, echoed back byte for byte.
	Nonce    json.RawMessage `json:"nonce,omitempty"`
	Lang     string          `json:"lang,omitempty"`
	Filter   string          `json:"filter,omitempty"`
	Info     string          `json:"info,omitempty"`
	Cert     string          `json:"cert,omitempty"`
	Hash     string          `json:"hash,omitempty"`
	HashType string          `json:"hashtype,omitempty"`
}

type Response struct {
	API       int               `json:"api"`
	Result    errors.ResultCode `json:"result"`
	Message   string            `json:"message,omitempty"`
	Version   string            `json:"version,omitempty"`
	Cert      string            `json:"cert,omitempty"`
	Signature string            `json:"signature,omitempty"`
	// Nonce is spliced into the encoded object unchanged.
	Nonce json.RawMessage `json:"-"`
}

// Known reports whether t is a command this protocol version handles.
func (t CommandType) Known() bool {
	switch t {
	case TypeVersion, TypeCert, TypeSign:
		return true
	}
	return false
}

// UnmarshalCommand parses a request. When the payload is a JSON object the
// returned command carries the nonce even if other fields fail to decode.
// An unknown but well-formed type is returned without error and without
// decoding the other fields, so the caller sees it regardless of their
// shape.
func UnmarshalCommand(data []byte) (*Command, error) {
	var fields map[string]json.RawMessage
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &Command{}, errors.InvalidArgument("Request is not a JSON object", nil)
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return &Command{}, errors.InvalidArgument("Request is not a JSON object", err)
	}

	cmd := &Command{Nonce: fields["nonce"]}
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &cmd.Type); err != nil {
			return cmd, errors.InvalidArgument("Malformed request", err)
		}
	}
	if !cmd.Type.Known() {
		return cmd, nil
	}

	err := json.Unmarshal(trimmed, cmd)
	cmd.Nonce = fields["nonce"]
	if err != nil {
		return cmd, errors.InvalidArgument("Malformed request", err)
	}
	return cmd, nil
}

// NonceOf returns the raw nonce of a request, or nil when there is none or
// the payload is not a JSON object.
func NonceOf(data []byte) json.RawMessage {
	cmd, _ := UnmarshalCommand(data)
	return cmd.Nonce
}

func (c *Command) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// NewResponse starts an ok response that echoes nonce.
func NewResponse(nonce json.RawMessage) *Response {
	return &Response{API: APIVersion, Result: errors.ResultOK, Nonce: nonce}
}

// FailureResponse classifies err into a result code and message.
func FailureResponse(nonce json.RawMessage, err error) *Response {
	code, msg := errors.Classify(err)
	if msg == "" {
		msg = string(code)
	}
	return &Response{API: APIVersion, Result: code, Message: msg, Nonce: nonce}
}

// Encode renders the response. A present nonce is appended as the last
// member with its original bytes.
func (r *Response) Encode() ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(r.Nonce) == 0 {
		return body, nil
	}
	out := make([]byte, 0, len(body)+len(r.Nonce)+10)
	out = append(out, body[:len(body)-1]...)
	out = append(out, `,"nonce":`...)
	out = append(out, r.Nonce...)
	return append(out, '}'), nil
}

// UnmarshalResponse decodes an encoded response, keeping the nonce raw.
func UnmarshalResponse(data []byte) (*Response, error) {
	var wire struct {
		Response
		Nonce json.RawMessage `json:"nonce"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	r := wire.Response
	r.Nonce = wire.Nonce
	return &r, nil
}
