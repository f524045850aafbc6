// Package protocol defines the JSON frame types exchanged on the WebSocket
// wire and the error/close codes shared by the broker core and its edges.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound frame types.
const (
	TypePing        = "ping"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
)

// Outbound frame types.
const (
	TypeAck   = "ack"
	TypeEvent = "event"
	TypeError = "error"
	TypePong  = "pong"
	TypeInfo  = "info"
)

// Error codes carried in error frames.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeTopicNotFound      = "TOPIC_NOT_FOUND"
	CodeSlowConsumer       = "SLOW_CONSUMER"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

// CloseStatus is a WebSocket close code the core may request on a transport.
type CloseStatus uint16

const (
	StatusNormalClosure   CloseStatus = 1000
	StatusGoingAway       CloseStatus = 1001
	StatusPolicyViolation CloseStatus = 1008
)

// Inbound is the envelope every client frame must fit. Fields not used by a
// given type are left at their zero value.
type Inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Topic     string          `json:"topic"`
	ClientID  string          `json:"client_id"`
	LastN     int             `json:"last_n"`
	Message   *InboundMessage `json:"message"`
}

// InboundMessage is the publisher-supplied message body of a publish frame.
type InboundMessage struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
}

// Ack acknowledges a successful subscribe, unsubscribe or publish.
type Ack struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Topic     string `json:"topic"`
	Status    string `json:"status"`
	TS        string `json:"ts"`
}

// Event carries one delivered message to a subscriber.
type Event struct {
	Type    string       `json:"type"`
	Topic   string       `json:"topic"`
	Message EventMessage `json:"message"`
	TS      string       `json:"ts"`
}

type EventMessage struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
}

// ErrorFrame reports a failure to the client. RequestID is null when the
// error is not tied to a specific request.
type ErrorFrame struct {
	Type      string      `json:"type"`
	RequestID *string     `json:"request_id"`
	Error     ErrorDetail `json:"error"`
	TS        string      `json:"ts"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pong answers a ping.
type Pong struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	TS        string `json:"ts"`
}

// Info is a server-initiated notice, e.g. the shutdown broadcast.
type Info struct {
	Type      string `json:"type"`
	Msg       string `json:"msg"`
	Topic     string `json:"topic,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TS        string `json:"ts"`
}

// Timestamp renders t as ISO-8601 UTC, the format every outbound frame uses.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Now is Timestamp for the current wall clock.
func Now() string {
	return Timestamp(time.Now())
}

func NewAck(requestID, topic string) Ack {
	return Ack{Type: TypeAck, RequestID: requestID, Topic: topic, Status: "ok", TS: Now()}
}

// NewEvent stamps the frame with the message's publish time, not the
// delivery time, so replayed and live events carry the same ts.
func NewEvent(topic, id string, payload map[string]any, published time.Time) Event {
	return Event{
		Type:    TypeEvent,
		Topic:   topic,
		Message: EventMessage{ID: id, Payload: payload},
		TS:      Timestamp(published),
	}
}

// NewError builds an error frame. An empty requestID becomes null on the wire.
func NewError(requestID, code, message string) ErrorFrame {
	f := ErrorFrame{
		Type:  TypeError,
		Error: ErrorDetail{Code: code, Message: message},
		TS:    Now(),
	}
	if requestID != "" {
		f.RequestID = &requestID
	}
	return f
}

func NewPong(requestID string) Pong {
	return Pong{Type: TypePong, RequestID: requestID, TS: Now()}
}

func NewInfo(msg, topic, requestID string) Info {
	return Info{Type: TypeInfo, Msg: msg, Topic: topic, RequestID: requestID, TS: Now()}
}

// Encode marshals a frame for the wire.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
