// Package v1 defines the Pulse Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoin binds a session to a user identity (client -> server).
	// It must be the first event on a session; earlier events are dropped.
	TypeJoin = "join"
	// TypeJoinAck acknowledges a successful join (server -> client).
	TypeJoinAck = "join_ack"

	// TypeSendMessage requests delivery of a chat message (client -> server).
	TypeSendMessage = "send_message"
	// TypeReceiveMessage pushes a persisted message to the recipient (server -> client).
	TypeReceiveMessage = "receive_message"
	// TypeMessageAck returns the persisted message to the sender (server -> client).
	TypeMessageAck = "message_ack"

	// TypeMarkMessagesRead marks a conversation read (client -> server).
	TypeMarkMessagesRead = "mark_messages_read"
	// TypeMessagesRead notifies other participants of a read receipt (server -> client).
	TypeMessagesRead = "messages_read"

	// TypeSendFriendRequest creates a friend request (client -> server).
	TypeSendFriendRequest = "send_friend_request"
	// TypeNewFriendRequest pushes a friend request to its receiver (server -> client).
	TypeNewFriendRequest = "new_friend_request"
	// TypeFriendRequestAccepted accepts a pending request (client -> server).
	TypeFriendRequestAccepted = "friend_request_accepted"
	// TypeFriendRequestDeclined declines a pending request (client -> server).
	TypeFriendRequestDeclined = "friend_request_declined"
	// TypeFriendRequestStatus pushes an accept/decline outcome to the original
	// sender (server -> client).
	TypeFriendRequestStatus = "friend_request_status"

	// TypeSendNotification creates a generic notification (client -> server).
	TypeSendNotification = "send_notification"
	// TypeNewNotification pushes a notification to its target (server -> client).
	TypeNewNotification = "new_notification"
	// TypeMarkNotificationRead marks one notification read (client -> server).
	TypeMarkNotificationRead = "mark_notification_read"
	// TypeNotificationRead echoes a read-marker to the user's other sessions (server -> client).
	TypeNotificationRead = "notification_read"

	// TypeTypingStart / TypeTypingStop are transient typing hints (client -> server).
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	// TypeUserTyping forwards a typing hint to the counterpart (server -> client).
	TypeUserTyping = "user_typing"

	// TypeUserOnline / TypeUserOffline are best-effort presence broadcasts (server -> client).
	TypeUserOnline  = "user_online"
	TypeUserOffline = "user_offline"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

var allowedTypes = map[string]struct{}{
	TypeJoin:                  {},
	TypeJoinAck:               {},
	TypeSendMessage:           {},
	TypeReceiveMessage:        {},
	TypeMessageAck:            {},
	TypeMarkMessagesRead:      {},
	TypeMessagesRead:          {},
	TypeSendFriendRequest:     {},
	TypeNewFriendRequest:      {},
	TypeFriendRequestAccepted: {},
	TypeFriendRequestDeclined: {},
	TypeFriendRequestStatus:   {},
	TypeSendNotification:      {},
	TypeNewNotification:       {},
	TypeMarkNotificationRead:  {},
	TypeNotificationRead:      {},
	TypeTypingStart:           {},
	TypeTypingStop:            {},
	TypeUserTyping:            {},
	TypeUserOnline:            {},
	TypeUserOffline:           {},
	TypeError:                 {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ---- Payloads ----

// UserSummary is the compact actor reference carried in social pushes.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// JoinPayload binds the session to a user identity.
type JoinPayload struct {
	UserID string `json:"user_id"`
}

// JoinAckPayload carries the server-assigned session id.
type JoinAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SendMessagePayload requests a direct message send.
// TempID is a client-generated correlation id echoed back in the ack.
type SendMessagePayload struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
	TempID   string `json:"temp_id,omitempty"`
}

// ReceiveMessagePayload is the persisted message pushed to recipient sessions.
type ReceiveMessagePayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Receiver       string    `json:"receiver"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageAckPayload returns the persisted message identity to the sender.
// The sender's UI applies this, and only this, as its local echo.
type MessageAckPayload struct {
	TempID         string    `json:"temp_id,omitempty"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// MarkMessagesReadPayload marks all counterpart messages in a conversation read.
type MarkMessagesReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// MessagesReadPayload notifies participants that a user read a conversation.
type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReadBy         string    `json:"read_by"`
	ReadAt         time.Time `json:"read_at"`
}

// SendFriendRequestPayload creates a friend request.
type SendFriendRequestPayload struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

// NewFriendRequestPayload is pushed to the receiver of a friend request.
type NewFriendRequestPayload struct {
	RequestID string      `json:"request_id"`
	From      UserSummary `json:"from"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

// FriendRequestActionPayload accepts or declines a pending request by id.
type FriendRequestActionPayload struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
}

// FriendRequestStatusPayload is pushed to the original sender on accept
// (and, when configured, on decline).
type FriendRequestStatusPayload struct {
	Status    string      `json:"status"`
	From      UserSummary `json:"from"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

// SendNotificationPayload creates a generic notification.
type SendNotificationPayload struct {
	Receiver string `json:"receiver"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// NewNotificationPayload is pushed to the notification target.
type NewNotificationPayload struct {
	NotificationID string      `json:"notification_id"`
	Kind           string      `json:"kind"`
	From           UserSummary `json:"from"`
	Message        string      `json:"message"`
	CreatedAt      time.Time   `json:"created_at"`
	Read           bool        `json:"read"`
}

// MarkNotificationReadPayload marks one notification read.
type MarkNotificationReadPayload struct {
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id"`
}

// NotificationReadPayload echoes a read-marker to the user's other sessions.
type NotificationReadPayload struct {
	NotificationID string `json:"notification_id"`
}

// TypingPayload is a transient typing hint from sender to receiver.
type TypingPayload struct {
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	ConversationID string `json:"conversation_id"`
}

// UserTypingPayload forwards a typing hint to the counterpart's sessions.
type UserTypingPayload struct {
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
	ConversationID string `json:"conversation_id"`
}

// PresencePayload announces an online/offline transition.
type PresencePayload struct {
	UserID   string    `json:"user_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
