package transport

import (
	"encoding/json"
	"fmt"
)

// Frame is the wire envelope: one JSON object per websocket message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame types observed on the wire.
const (
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeConnectionEstablished = "connection_established"
	TypeChatMessage           = "chat_message"
	TypeNewMessage            = "new_message"
	TypeTypingIndicator       = "typing_indicator"
	TypeBookingUpdate         = "booking_update"
	TypePaymentRequired       = "payment_required"
	TypeMessageRead           = "message_read"
	TypeReactionAdded         = "reaction_added"
	TypeReactionRemoved       = "reaction_removed"
	TypeSendMessage           = "send_message"
	TypeMarkRead              = "mark_read"
)

// NewFrame builds a frame with the given payload marshalled into Data.
func NewFrame(frameType string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: frameType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return Frame{Type: frameType, Data: data}, nil
}

// ChatMessage is the payload of chat_message / new_message frames. When the
// server echoes a message this client sent, LocalID carries the client-side
// id so the optimistic placeholder can be reconciled.
type ChatMessage struct {
	ID             string `json:"id"`
	LocalID        string `json:"local_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// SendMessage is the payload of outbound send_message frames.
type SendMessage struct {
	LocalID        string `json:"local_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type,omitempty"`
}

// TypingIndicator is the payload of typing_indicator frames (both directions).
type TypingIndicator struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// BookingUpdate is the payload of booking_update frames.
type BookingUpdate struct {
	BookingID      string `json:"booking_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Status         string `json:"status"`
	Note           string `json:"note,omitempty"`
	UpdatedAt      int64  `json:"updated_at"`
}

// PaymentRequired is the payload of payment_required frames.
type PaymentRequired struct {
	BookingID   string `json:"booking_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	DueAt       int64  `json:"due_at,omitempty"`
	PaymentURL  string `json:"payment_url,omitempty"`
}

// MessageRead is the payload of message_read frames.
type MessageRead struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	ReaderID       string `json:"reader_id"`
	ReadAt         int64  `json:"read_at"`
}

// Reaction is the payload of reaction_added / reaction_removed frames.
type Reaction struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
}

// MarkRead is the payload of outbound mark_read frames.
type MarkRead struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}
