package ws

import "encoding/json"

// Message types exchanged with the device gateway.
const (
	TypeAuthRequired = "auth_required"
	TypeAuth         = "auth"
	TypeAuthOK       = "auth_ok"
	TypeAuthInvalid  = "auth_invalid"
	TypeGetStatus    = "get_status"
	TypeSubscribe    = "subscribe_status"
	TypeUnsubscribe  = "unsubscribe_status"
	TypeSetControls  = "set_controls"
	TypeResult       = "result"
	TypeStatus       = "status"
)

// Message is the envelope for every frame in both directions
type Message struct {
	ID           int             `json:"id,omitempty"`
	Type         string          `json:"type"`
	AccessToken  string          `json:"access_token,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	MaxAge       int             `json:"max_age,omitempty"`
	Error        *Error          `json:"error,omitempty"`
	Status       json.RawMessage `json:"status,omitempty"`
	Controls     map[string]any  `json:"controls,omitempty"`
	Subscription int             `json:"subscription,omitempty"`
}

// Error is the error payload of a failed result
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
