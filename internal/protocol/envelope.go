// Package protocol defines the JSON envelopes exchanged over relay
// connections and the validation applied to inbound ones.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/Tyrowin/hybridchat/internal/store"
)

// Envelope types.
const (
	TypeLogin            = "login"
	TypeLoginSuccess     = "login_success"
	TypeLogout           = "logout"
	TypeChat             = "chat"
	TypeChatSent         = "chat_sent"
	TypePrivateChat      = "private_chat"
	TypePrivateChatSent  = "private_chat_sent"
	TypeGroupChat        = "group_chat"
	TypeGroupChatSent    = "group_chat_sent"
	TypeCreateGroup      = "create_group"
	TypeGroupCreated     = "group_created"
	TypeJoinGroup        = "join_group"
	TypeJoinGroupSuccess = "join_group_success"
	TypeUserJoinedGroup  = "user_joined_group"
	TypeUserLeft         = "user_left"
	TypeGetHistory       = "get_history"
	TypeHistoryResponse  = "history_response"
	TypeError            = "error"
)

// Error codes carried by TypeError envelopes.
const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodePersistence = "persistence"
)

// Envelope is the outbound wire format. Fields irrelevant to a type are
// omitted.
type Envelope struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	GroupID   string            `json:"groupId,omitempty"`
	GroupName string            `json:"groupName,omitempty"`
	Content   string            `json:"content,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	File      *store.Attachment `json:"file,omitempty"`
	Message   string            `json:"message,omitempty"`
	Code      string            `json:"code,omitempty"`
	Error     string            `json:"error,omitempty"`
	Messages  []Envelope        `json:"messages,omitempty"`
	Total     *int              `json:"total,omitempty"`
	HasMore   *bool             `json:"hasMore,omitempty"`
}

// Encode marshals env. Envelopes only hold JSON-safe values, so an error
// here is a programming mistake.
func Encode(env Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		panic("protocol: cannot encode envelope: " + err.Error())
	}
	return data
}

// FromMessage renders a stored message the way it is pushed to recipients.
func FromMessage(m store.Message) Envelope {
	ts := m.Timestamp
	env := Envelope{
		ID:        m.ID,
		From:      m.From,
		Content:   m.Content,
		Timestamp: &ts,
		File:      m.Attachment,
	}
	switch m.Kind {
	case store.KindPrivate:
		env.Type = TypePrivateChat
		env.To = m.To
	case store.KindGroup:
		env.Type = TypeGroupChat
		env.GroupID = m.To
	default:
		env.Type = TypeChat
	}
	return env
}

// SentType maps a chat type to the confirmation type echoed to its sender.
func SentType(chatType string) string {
	switch chatType {
	case TypePrivateChat:
		return TypePrivateChatSent
	case TypeGroupChat:
		return TypeGroupChatSent
	default:
		return TypeChatSent
	}
}

// History renders a history page.
func History(page store.HistoryPage) Envelope {
	messages := make([]Envelope, 0, len(page.Messages))
	for _, m := range page.Messages {
		messages = append(messages, FromMessage(m))
	}
	total, hasMore := page.Total, page.HasMore
	return Envelope{Type: TypeHistoryResponse, Messages: messages, Total: &total, HasMore: &hasMore}
}

// Failure builds an error envelope.
func Failure(code, message string) Envelope {
	return Envelope{Type: TypeError, Code: code, Error: message}
}
