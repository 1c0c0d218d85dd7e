package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a channel message. The set is closed; anything
// outside it is dropped by both ends of the channel.
type MessageType string

const (
	TypeConnection        MessageType = "connection"
	TypeAuth              MessageType = "auth"
	TypeNotification      MessageType = "notification"
	TypeHealthUpdate      MessageType = "health_update"
	TypeHealthData        MessageType = "health_data"
	TypeChallengeProgress MessageType = "challenge_progress"
	TypeChallengeUpdate   MessageType = "challenge_update"
	TypeUserStatus        MessageType = "user_status"
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
	TypeError             MessageType = "error"
)

// Direction tells which side of the channel may originate a message type.
type Direction uint8

const (
	FromClient Direction = 1 << iota
	FromServer
)

var directions = map[MessageType]Direction{
	TypeConnection:        FromServer,
	TypeAuth:              FromClient | FromServer, // server echoes auth as the ack
	TypeNotification:      FromClient | FromServer,
	TypeHealthUpdate:      FromClient,
	TypeHealthData:        FromServer,
	TypeChallengeProgress: FromClient,
	TypeChallengeUpdate:   FromServer,
	TypeUserStatus:        FromServer,
	TypePing:              FromClient,
	TypePong:              FromServer,
	TypeError:             FromServer,
}

// AllTypes lists every protocol message type.
func AllTypes() []MessageType {
	return []MessageType{
		TypeConnection, TypeAuth, TypeNotification, TypeHealthUpdate, TypeHealthData,
		TypeChallengeProgress, TypeChallengeUpdate, TypeUserStatus, TypePing, TypePong, TypeError,
	}
}

// Known reports whether t belongs to the protocol.
func (t MessageType) Known() bool {
	_, ok := directions[t]
	return ok
}

// ClientOriginated reports whether a client may send t.
func (t MessageType) ClientOriginated() bool {
	return directions[t]&FromClient != 0
}

// ServerOriginated reports whether the hub may send t.
func (t MessageType) ServerOriginated() bool {
	return directions[t]&FromServer != 0
}

// Message is the envelope for everything on the channel.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix millis
}

// NewMessage marshals payload into a message of the given type stamped with the current time.
func NewMessage(t MessageType, payload interface{}) (Message, error) {
	msg := Message{Type: t, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// MustMessage is NewMessage for payloads built from internal types that always marshal.
func MustMessage(t MessageType, payload interface{}) Message {
	msg, err := NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

// ParseMessage decodes a raw frame and rejects types outside the protocol.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !msg.Type.Known() {
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}
