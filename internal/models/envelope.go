package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeType tags the payload carried by an Envelope
type EnvelopeType string

const (
	EnvelopeRequest   EnvelopeType = "request"
	EnvelopeTyping    EnvelopeType = "typing"
	EnvelopeChunk     EnvelopeType = "chunk"
	EnvelopeProgress  EnvelopeType = "progress"
	EnvelopeComplete  EnvelopeType = "complete"
	EnvelopeError     EnvelopeType = "error"
	EnvelopeConnected EnvelopeType = "connected"
	EnvelopePing      EnvelopeType = "ping"
	EnvelopePong      EnvelopeType = "pong"
)

// ErrUnknownEnvelopeType is returned when decoding an envelope with a tag
// outside the fixed set.
var ErrUnknownEnvelopeType = errors.New("unknown envelope type")

// Payload is the closed set of envelope payloads. Only types in this file
// implement it.
type Payload interface {
	EnvelopeType() EnvelopeType
}

// RequestPayload is a client request awaiting execution
type RequestPayload struct {
	TaskRequest
}

// TypingPayload signals that an executor is working on a request
type TypingPayload struct {
	Active bool `json:"active"`
}

// ChunkPayload carries a partial output fragment
type ChunkPayload struct {
	Content string `json:"content"`
}

// ProgressPayload reports lifecycle progress for a correlation id
type ProgressPayload struct {
	Status  CorrelationStatus `json:"status"`
	Attempt int               `json:"attempt,omitempty"`
	Message string            `json:"message,omitempty"`
}

// CompletePayload carries the final result
type CompletePayload struct {
	Status   CorrelationStatus `json:"status"`
	Response *TaskResponse     `json:"response"`
}

// ErrorPayload carries a structured, client-safe error
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectedPayload is sent right after the socket handshake
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

// PingPayload is a heartbeat probe
type PingPayload struct{}

// PongPayload answers a ping
type PongPayload struct{}

func (RequestPayload) EnvelopeType() EnvelopeType   { return EnvelopeRequest }
func (TypingPayload) EnvelopeType() EnvelopeType    { return EnvelopeTyping }
func (ChunkPayload) EnvelopeType() EnvelopeType     { return EnvelopeChunk }
func (ProgressPayload) EnvelopeType() EnvelopeType  { return EnvelopeProgress }
func (CompletePayload) EnvelopeType() EnvelopeType  { return EnvelopeComplete }
func (ErrorPayload) EnvelopeType() EnvelopeType     { return EnvelopeError }
func (ConnectedPayload) EnvelopeType() EnvelopeType { return EnvelopeConnected }
func (PingPayload) EnvelopeType() EnvelopeType      { return EnvelopePing }
func (PongPayload) EnvelopeType() EnvelopeType      { return EnvelopePong }

// Envelope is the wire message used in both directions and on the relay.
// The Type field is derived from Payload and cannot disagree with it.
type Envelope struct {
	UserID        string
	SessionID     string
	Payload       Payload
	Timestamp     time.Time
	MessageID     string
	CorrelationID string
}

// NewEnvelope stamps a payload with a fresh message id and timestamp
func NewEnvelope(userID, sessionID, correlationID string, payload Payload) *Envelope {
	return &Envelope{
		UserID:        userID,
		SessionID:     sessionID,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		MessageID:     uuid.New().String(),
		CorrelationID: correlationID,
	}
}

// Type returns the envelope's tag
func (e *Envelope) Type() EnvelopeType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EnvelopeType()
}

type wireEnvelope struct {
	Type          EnvelopeType    `json:"type"`
	UserID        string          `json:"userId"`
	SessionID     string          `json:"sessionId"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// MarshalJSON writes the {type, userId, sessionId, payload, timestamp,
// messageId, correlationId?} wire shape.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("envelope has no payload")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Payload.EnvelopeType(), err)
	}
	return json.Marshal(wireEnvelope{
		Type:          e.Payload.EnvelopeType(),
		UserID:        e.UserID,
		SessionID:     e.SessionID,
		Payload:       payload,
		Timestamp:     e.Timestamp,
		MessageID:     e.MessageID,
		CorrelationID: e.CorrelationID,
	})
}

// UnmarshalJSON decodes the payload into the concrete type named by the tag
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var payload Payload
	switch w.Type {
	case EnvelopeRequest:
		payload = &RequestPayload{}
	case EnvelopeTyping:
		payload = &TypingPayload{}
	case EnvelopeChunk:
		payload = &ChunkPayload{}
	case EnvelopeProgress:
		payload = &ProgressPayload{}
	case EnvelopeComplete:
		payload = &CompletePayload{}
	case EnvelopeError:
		payload = &ErrorPayload{}
	case EnvelopeConnected:
		payload = &ConnectedPayload{}
	case EnvelopePing:
		payload = &PingPayload{}
	case EnvelopePong:
		payload = &PongPayload{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEnvelopeType, w.Type)
	}

	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := json.Unmarshal(w.Payload, payload); err != nil {
			return fmt.Errorf("invalid %s payload: %w", w.Type, err)
		}
	}

	e.UserID = w.UserID
	e.SessionID = w.SessionID
	e.Payload = derefPayload(payload)
	e.Timestamp = w.Timestamp
	e.MessageID = w.MessageID
	e.CorrelationID = w.CorrelationID
	return nil
}

// derefPayload stores payloads by value so consumers switch on value types only
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *RequestPayload:
		return *v
	case *TypingPayload:
		return *v
	case *ChunkPayload:
		return *v
	case *ProgressPayload:
		return *v
	case *CompletePayload:
		return *v
	case *ErrorPayload:
		return *v
	case *ConnectedPayload:
		return *v
	case *PingPayload:
		return *v
	case *PongPayload:
		return *v
	}
	return p
}
