package model

// ConnectionPayload is the hub's greeting after the upgrade.
type ConnectionPayload struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message,omitempty"`
}

// AuthPayload binds a connection to a principal. The hub echoes it back
// with Status set once the binding succeeded.
type AuthPayload struct {
	UserID string `json:"userId" validate:"required,max=128"`
	Token  string `json:"token,omitempty"`
	Status string `json:"status,omitempty"`
}

// PingPayload carries the sender's clock; pong echoes it.
type PingPayload struct {
	Timestamp int64 `json:"timestamp" validate:"required"`
}

// NotificationPayload surfaces a user-visible alert on the target's clients.
type NotificationPayload struct {
	TargetUserID string `json:"targetUserId" validate:"required"`
	Message      string `json:"message" validate:"required,max=2048"`
	Title        string `json:"title,omitempty"`
	Level        string `json:"level,omitempty" validate:"omitempty,oneof=info success warning error"`
	From         string `json:"from,omitempty"`
}

// HealthUpdatePayload is a live metric pushed by a client.
type HealthUpdatePayload struct {
	UserID  string                 `json:"userId,omitempty"`
	Metrics map[string]interface{} `json:"metrics" validate:"required,min=1"`
}

// HealthDataPayload is the metric broadcast to privileged viewers.
type HealthDataPayload struct {
	UserID  string                 `json:"userId"`
	Metrics map[string]interface{} `json:"metrics"`
}

// ChallengeProgressPayload reports a client's progress on a challenge.
type ChallengeProgressPayload struct {
	ChallengeID string  `json:"challengeId" validate:"required"`
	Progress    float64 `json:"progress" validate:"gte=0"`
}

// ChallengeUpdatePayload is the progress broadcast to every authenticated client.
type ChallengeUpdatePayload struct {
	ChallengeID string  `json:"challengeId"`
	UserID      string  `json:"userId"`
	Progress    float64 `json:"progress"`
}

// Presence values carried by user_status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserStatusPayload announces a presence change.
type UserStatusPayload struct {
	Username string `json:"username" validate:"required"`
	Status   string `json:"status" validate:"required,oneof=online offline"`
}

// ErrorPayload reports a channel-level error to the client.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message" validate:"required"`
}

// PayloadFor returns a pointer to the typed payload struct for t, or nil for
// types that carry no structured payload.
func PayloadFor(t MessageType) interface{} {
	switch t {
	case TypeConnection:
		return &ConnectionPayload{}
	case TypeAuth:
		return &AuthPayload{}
	case TypePing, TypePong:
		return &PingPayload{}
	case TypeNotification:
		return &NotificationPayload{}
	case TypeHealthUpdate:
		return &HealthUpdatePayload{}
	case TypeHealthData:
		return &HealthDataPayload{}
	case TypeChallengeProgress:
		return &ChallengeProgressPayload{}
	case TypeChallengeUpdate:
		return &ChallengeUpdatePayload{}
	case TypeUserStatus:
		return &UserStatusPayload{}
	case TypeError:
		return &ErrorPayload{}
	default:
		return nil
	}
}
