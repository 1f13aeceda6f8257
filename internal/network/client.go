// Package network defines the contracts peermail expects from the messaging
// network, plus two loopback implementations (in-memory and SQLite-backed)
// used by tests and the CLI. The real network service is a black box behind
// the Client interface; nothing in this module depends on its transport or
// cryptography.
package network

import (
	"context"
	"errors"
	"time"
)

// Client errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrClientClosed         = errors.New("network client closed")
)

// ConsentState is the network's per-conversation consent flag.
type ConsentState string

const (
	ConsentAllowed ConsentState = "allowed"
	ConsentPending ConsentState = "pending"
	ConsentBlocked ConsentState = "blocked"
)

// Message is one delivered message. Immutable once observed.
type Message struct {
	ID             string
	ConversationID string
	SenderInboxID  string
	Content        string
	SentAtNs       int64
}

// SentAt returns the message timestamp as a time.Time.
func (m Message) SentAt() time.Time {
	return time.Unix(0, m.SentAtNs)
}

// Conversation is a handle to one direct peer-to-peer conversation.
type Conversation interface {
	// ID is the network's stable conversation identifier.
	ID() string
	// PeerInboxID is the other party's inbox identifier.
	PeerInboxID() string
	// CreatedAt is when the conversation was established.
	CreatedAt() time.Time
	// Consent is the current consent state.
	Consent() ConsentState
	// Send writes content to the conversation and returns the confirmed message.
	Send(ctx context.Context, content string) (Message, error)
	// Messages lists the conversation's messages.
	Messages(ctx context.Context, query MessageQuery) ([]Message, error)
}

// MessageQuery controls Conversation.Messages.
type MessageQuery struct {
	// Descending returns newest-first when set; default is oldest-first.
	Descending bool
	// Limit caps the number of returned messages (0 = no limit).
	Limit int
}

// ListFilter controls Client.List and Client.StreamAllMessages.
type ListFilter struct {
	// Consents restricts results to the given consent states
	// (nil = all states).
	Consents []ConsentState
}

// Matches reports whether a consent state passes the filter.
func (f ListFilter) Matches(consent ConsentState) bool {
	if len(f.Consents) == 0 {
		return true
	}
	for _, c := range f.Consents {
		if c == consent {
			return true
		}
	}
	return false
}

// Client is the messaging network collaborator contract.
type Client interface {
	// InboxID is the local account's inbox identifier.
	InboxID() string
	// List returns the current direct conversations passing the filter.
	List(ctx context.Context, filter ListFilter) ([]Conversation, error)
	// ConversationByID fetches a single conversation.
	ConversationByID(ctx context.Context, id string) (Conversation, error)
	// CreateDirectConversation establishes a conversation with a peer,
	// identified by chain address or inbox id.
	CreateDirectConversation(ctx context.Context, identifier string) (Conversation, error)
	// StreamConversations delivers newly created direct conversations.
	StreamConversations(ctx context.Context) (Subscription[Conversation], error)
	// StreamAllMessages delivers new messages across conversations passing
	// the filter.
	StreamAllMessages(ctx context.Context, filter ListFilter) (Subscription[Message], error)
	// ResolveIdentities maps inbox ids to their linked identifiers.
	ResolveIdentities(ctx context.Context, inboxIDs []string) ([]IdentityState, error)
	// Close releases the client. Open subscriptions end.
	Close() error
}
