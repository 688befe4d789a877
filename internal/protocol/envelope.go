// Package protocol implements the wire envelope exchanged between the hub
// and its clients. Decoding fails closed: any input that is not a
// well-formed envelope with a known type is rejected with a ProtocolError
// carrying a stable numeric code, and the connection handler keeps going.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type is the envelope discriminator. The enumeration is fixed; anything
// else is a decode error.
type Type string

const (
	TypeSubscribe      Type = "SUBSCRIBE"
	TypeUnsubscribe    Type = "UNSUBSCRIBE"
	TypeRequest        Type = "REQUEST"
	TypeCommand        Type = "COMMAND"
	TypeData           Type = "DATA"
	TypeAcknowledgment Type = "ACKNOWLEDGMENT"
	TypeError          Type = "ERROR"
	TypeSystem         Type = "SYSTEM"
)

var knownTypes = map[Type]struct{}{
	TypeSubscribe:      {},
	TypeUnsubscribe:    {},
	TypeRequest:        {},
	TypeCommand:        {},
	TypeData:           {},
	TypeAcknowledgment: {},
	TypeError:          {},
	TypeSystem:         {},
}

// Stable protocol error codes. Clients branch on these, so the values
// never change meaning.
const (
	CodeMalformed        = 4000 // not valid JSON, or payload over the size cap
	CodeMissingType      = 4001 // absent or unknown type field
	CodeEmptyTopics      = 4003 // SUBSCRIBE with no topics
	CodeUnknownTopic     = 4004
	CodeUnknownAction    = 4005
	CodeAuthRequired     = 4010
	CodeInvalidToken     = 4011
	CodeInsufficientTier = 4012
	CodeSubscriptionCap  = 4013
	CodeRateLimited      = 4029
	CodeTokenExpired     = 4401
	CodeInternalError    = 5000
	CodeUpstreamError    = 5001
)

// Envelope is the single wire unit. Envelopes are immutable once
// constructed; handlers build responses with the constructors below
// instead of mutating an inbound envelope.
type Envelope struct {
	Type      Type            `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Topics    []string        `json:"topics,omitempty"`
	Action    string          `json:"action,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Code      int             `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ProtocolError is the tagged decode/validation failure. It is answered
// with an ERROR envelope and never tears the connection down.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Reason)
}

// Errf builds a ProtocolError with a formatted reason.
func Errf(code int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// DefaultMaxPayloadBytes caps inbound frames before deserialization so a
// hostile client cannot force an unbounded allocation.
const DefaultMaxPayloadBytes = 1 << 20 // 1 MiB

// Codec parses and serializes envelopes. It is stateless and safe for
// concurrent use.
type Codec struct {
	MaxPayloadBytes int
}

func NewCodec(maxPayloadBytes int) *Codec {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Codec{MaxPayloadBytes: maxPayloadBytes}
}

// Decode parses an inbound frame. The size cap is enforced before
// unmarshaling. Topic names are normalized so legacy spellings
// (underscores, mixed case) resolve to one canonical topic.
func (c *Codec) Decode(data []byte) (*Envelope, error) {
	if len(data) > c.MaxPayloadBytes {
		return nil, Errf(CodeMalformed, "payload of %d bytes exceeds %d byte limit", len(data), c.MaxPayloadBytes)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Errf(CodeMalformed, "malformed JSON")
	}

	if env.Type == "" {
		return nil, Errf(CodeMissingType, "missing type field")
	}
	if _, ok := knownTypes[env.Type]; !ok {
		return nil, Errf(CodeMissingType, "unknown type %q", env.Type)
	}

	env.Topic = NormalizeTopic(env.Topic)
	for i, t := range env.Topics {
		env.Topics[i] = NormalizeTopic(t)
	}

	return &env, nil
}

// Encode serializes an envelope. Encoding is total for any envelope this
// package can construct.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// NormalizeTopic folds the two legacy topic spellings (hyphen and
// underscore separated, any case) into the canonical lowercase hyphen
// form.
func NormalizeTopic(topic string) string {
	if topic == "" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(topic)), "_", "-")
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewAck builds an ACKNOWLEDGMENT for a client operation.
func NewAck(topic string, topics []string, requestID string, data json.RawMessage) *Envelope {
	return &Envelope{
		Type:      TypeAcknowledgment,
		Topic:     topic,
		Topics:    topics,
		RequestID: requestID,
		Data:      data,
		Timestamp: now(),
	}
}

// NewData builds a DATA envelope, either a server push or a REQUEST
// response (requestID echoed).
func NewData(topic, subtype, requestID string, data json.RawMessage) *Envelope {
	return &Envelope{
		Type:      TypeData,
		Topic:     topic,
		Subtype:   subtype,
		RequestID: requestID,
		Data:      data,
		Timestamp: now(),
	}
}

// NewError builds an ERROR envelope with a stable code.
func NewError(code int, reason, requestID string) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Code:      code,
		Error:     reason,
		RequestID: requestID,
		Timestamp: now(),
	}
}

// NewErrorFrom converts a ProtocolError into its wire form.
func NewErrorFrom(perr *ProtocolError, requestID string) *Envelope {
	return NewError(perr.Code, perr.Reason, requestID)
}

// NewSystem builds a SYSTEM envelope (heartbeats, shutdown notices,
// expired-credential notices).
func NewSystem(subtype string, data json.RawMessage) *Envelope {
	return &Envelope{
		Type:      TypeSystem,
		Subtype:   subtype,
		Data:      data,
		Timestamp: now(),
	}
}
