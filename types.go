package suuq

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic chat API response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Message
// ============================================================================

// DeliveryState tracks a message from optimistic append to server confirmation.
type DeliveryState string

const (
	// DeliveryPending marks a locally appended message awaiting server confirmation.
	DeliveryPending DeliveryState = "pending"
	// DeliveryConfirmed marks a message the server has accepted and assigned an id.
	DeliveryConfirmed DeliveryState = "confirmed"
	// DeliveryFailed marks a message whose submission failed. It stays visible so
	// the consumer can offer retry.
	DeliveryFailed DeliveryState = "failed"
)

// MessageKind is the content kind of a message.
type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

// Message is one entry in a conversation. Before confirmation the ID is a
// locally generated provisional identifier (prefixed "local-"); the server
// assigns the final identifier.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Kind           MessageKind   `json:"kind"`
	FileRef        string        `json:"fileRef,omitempty"`
	State          DeliveryState `json:"state,omitempty"`
	CreatedAt      string        `json:"createdAt"`
}

// Provisional reports whether the message carries a locally generated
// identifier not yet reconciled with the server.
func (m *Message) Provisional() bool {
	return m.State == DeliveryPending || m.State == DeliveryFailed
}

// MessageDraft is the body of a message submission.
type MessageDraft struct {
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind"`
	FileRef string      `json:"fileRef,omitempty"`
}

// ============================================================================
// Conversation
// ============================================================================

// Participant is a member of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Conversation is the server-side metadata for a thread of messages.
//
// ID is the internal channel identifier used as the live-channel join key.
// Reference is the external identifier callers address the conversation by
// (for example a listing or booking reference). The two are resolved
// server-side and must not be assumed equal.
type Conversation struct {
	ID            string        `json:"id"`
	Reference     string        `json:"reference"`
	Title         string        `json:"title,omitempty"`
	Participants  []Participant `json:"participants,omitempty"`
	LastMessageAt string        `json:"lastMessageAt,omitempty"`
	CreatedAt     string        `json:"createdAt,omitempty"`
	UpdatedAt     string        `json:"updatedAt,omitempty"`
}
