package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/hybridchat/internal/store"
)

// MaxIdentityLength bounds user identities.
const MaxIdentityLength = 64

// ValidationError reports an inbound envelope that is malformed, of an
// unknown type, or missing required fields.
type ValidationError struct {
	Type   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return "invalid envelope: " + e.Reason
	}
	return fmt.Sprintf("invalid %s envelope: %s", e.Type, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// LoginRequest binds the connection to an identity.
type LoginRequest struct {
	UserID string `json:"userId" validate:"required,max=64"`
}

// LogoutRequest ends the session.
type LogoutRequest struct{}

// ChatRequest is a broadcast message.
type ChatRequest struct {
	Content string            `json:"content" validate:"required_without=File"`
	File    *store.Attachment `json:"file"`
}

// PrivateChatRequest is addressed to one user.
type PrivateChatRequest struct {
	To      string            `json:"to" validate:"required,max=64"`
	Content string            `json:"content" validate:"required_without=File"`
	File    *store.Attachment `json:"file"`
}

// GroupChatRequest is addressed to a group's members.
type GroupChatRequest struct {
	GroupID string            `json:"groupId" validate:"required"`
	Content string            `json:"content" validate:"required_without=File"`
	File    *store.Attachment `json:"file"`
}

// CreateGroupRequest creates a group. Older clients send groupName.
type CreateGroupRequest struct {
	Name      string `json:"name" validate:"required_without=GroupName,max=128"`
	GroupName string `json:"groupName" validate:"max=128"`
}

// DisplayName returns whichever name field was provided.
func (r CreateGroupRequest) DisplayName() string {
	if name := strings.TrimSpace(r.Name); name != "" {
		return name
	}
	return strings.TrimSpace(r.GroupName)
}

// JoinGroupRequest joins an existing group.
type JoinGroupRequest struct {
	GroupID string `json:"groupId" validate:"required"`
}

// HistoryRequest asks for one page of a conversation.
type HistoryRequest struct {
	Scope   string `json:"scope" validate:"omitempty,oneof=broadcast private group"`
	With    string `json:"with" validate:"required_if=Scope private"`
	GroupID string `json:"groupId" validate:"required_if=Scope group"`
	Offset  int    `json:"offset" validate:"gte=0"`
	Limit   int    `json:"limit" validate:"gte=0"`
}

// Kind returns the store scope, defaulting to broadcast.
func (r HistoryRequest) Kind() store.Kind {
	if r.Scope == "" {
		return store.KindBroadcast
	}
	return store.Kind(r.Scope)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses raw into the request struct matching its type field and
// validates it. The returned value is one of the *Request types.
func Decode(raw []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &ValidationError{Reason: "malformed JSON"}
	}

	var req any
	switch head.Type {
	case TypeLogin:
		req = &LoginRequest{}
	case TypeLogout:
		req = &LogoutRequest{}
	case TypeChat:
		req = &ChatRequest{}
	case TypePrivateChat:
		req = &PrivateChatRequest{}
	case TypeGroupChat:
		req = &GroupChatRequest{}
	case TypeCreateGroup:
		req = &CreateGroupRequest{}
	case TypeJoinGroup:
		req = &JoinGroupRequest{}
	case TypeGetHistory:
		req = &HistoryRequest{}
	case "":
		return nil, &ValidationError{Reason: "missing type"}
	default:
		return nil, &ValidationError{Type: head.Type, Reason: "unknown type"}
	}

	if err := json.Unmarshal(raw, req); err != nil {
		return nil, &ValidationError{Type: head.Type, Reason: "malformed fields"}
	}
	if err := validate.Struct(req); err != nil {
		return nil, &ValidationError{Type: head.Type, Reason: describe(err)}
	}
	return req, nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	reasons := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		reasons = append(reasons, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(reasons, "; ")
}
