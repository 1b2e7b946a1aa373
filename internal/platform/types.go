// ABOUTME: Wire types for the agent platform's conversation API
// ABOUTME: Conversations, message versions and groups, user context, and typed context items

package platform

import (
	"errors"
	"fmt"
	"time"
)

// TurnStatus is the lifecycle status of one message version.
type TurnStatus string

const (
	StatusCreated    TurnStatus = "created"
	StatusInProgress TurnStatus = "in_progress"
	StatusCompleted  TurnStatus = "completed"
	StatusFailed     TurnStatus = "failed"
	StatusCancelled  TurnStatus = "cancelled"
)

// Terminal reports whether the status will not change again.
func (s TurnStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Conversation is a server-side thread between the caller and one agent.
type Conversation struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageID string    `json:"last_message_id,omitempty"`
}

// MessageVersion is one revision of a message. The platform keeps edit
// history, so a message is a group of versions.
type MessageVersion struct {
	ID       string
	ParentID string
	Type     string
	Status   TurnStatus
	Text     string
	Error    string
}

// userTypes are message types the platform uses for the caller's own turns.
var userTypes = map[string]bool{"user": true, "human": true, "user_message": true}

// FromUser reports whether the version was written by the caller rather than the agent.
func (v MessageVersion) FromUser() bool {
	return userTypes[v.Type]
}

// MessageGroup is the ordered version history of one message.
type MessageGroup []MessageVersion

// Latest returns the most recent version.
func (g MessageGroup) Latest() (MessageVersion, bool) {
	if len(g) == 0 {
		return MessageVersion{}, false
	}
	return g[len(g)-1], true
}

// Contains reports whether any version has the given id.
func (g MessageGroup) Contains(id string) bool {
	for _, v := range g {
		if v.ID == id {
			return true
		}
	}
	return false
}

// UserContext identifies the caller to the platform. Every field is sent,
// even when empty, because the platform requires all four.
type UserContext struct {
	Username string `json:"username"`
	Timezone string `json:"timezone"`
	Email    string `json:"email"`
	Fullname string `json:"fullname"`
}

// ContextKind tags a ContextItem.
type ContextKind string

const (
	ContextDocument ContextKind = "document"
	ContextText     ContextKind = "text"
)

// ContextItem is one entry of the context payload sent with a message.
// Exactly one of Ref or Value is set, according to Kind.
type ContextItem struct {
	Kind  ContextKind `json:"kind"`
	Ref   string      `json:"ref,omitempty"`
	Value string      `json:"value,omitempty"`
}

// DocumentRef returns a document context item.
func DocumentRef(ref string) ContextItem {
	return ContextItem{Kind: ContextDocument, Ref: ref}
}

// TextValue returns a text context item.
func TextValue(value string) ContextItem {
	return ContextItem{Kind: ContextText, Value: value}
}

// Validate checks the item has the field its kind requires.
func (c ContextItem) Validate() error {
	switch c.Kind {
	case ContextDocument:
		if c.Ref == "" {
			return errors.New("document context item requires a ref")
		}
	case ContextText:
		if c.Value == "" {
			return errors.New("text context item requires a value")
		}
	default:
		return fmt.Errorf("unknown context item kind %q", c.Kind)
	}
	return nil
}

// Size is the payload size the item contributes.
func (c ContextItem) Size() int {
	return len(c.Ref) + len(c.Value)
}

// PostMessageRequest is the input to PostMessage.
type PostMessageRequest struct {
	ConversationID string
	AgentID        string
	Text           string
	Context        []ContextItem
	User           UserContext
}

// AgentInfo is the platform's description of an agent.
type AgentInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Model        string   `json:"model"`
	Provider     string   `json:"provider"`
	Status       string   `json:"status"`
}
