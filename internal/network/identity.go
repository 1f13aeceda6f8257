package network

import "strings"

// IdentifierKind classifies an identity-state identifier.
type IdentifierKind string

const (
	// IdentifierChainAddress is a chain address linked to an inbox.
	IdentifierChainAddress IdentifierKind = "chain_address"
	// IdentifierPasskey is a passkey credential linked to an inbox.
	IdentifierPasskey IdentifierKind = "passkey"
)

// Identifier is one identity linked to an inbox.
type Identifier struct {
	Kind  IdentifierKind
	Value string
}

// IdentityState is the canonical shape for one inbox's resolved identity.
// Client implementations normalize whatever their wire format looks like
// into this shape at the boundary; nothing past this package inspects
// provider-specific response objects.
type IdentityState struct {
	InboxID     string
	Identifiers []Identifier
}

// ChainAddress extracts the first chain-address identifier from a state.
func (s IdentityState) ChainAddress() (string, bool) {
	for _, id := range s.Identifiers {
		if id.Kind == IdentifierChainAddress && strings.TrimSpace(id.Value) != "" {
			return id.Value, true
		}
	}
	return "", false
}

// FindIdentityState locates the state for an inbox id in a resolution batch.
func FindIdentityState(states []IdentityState, inboxID string) (IdentityState, bool) {
	for _, state := range states {
		if strings.EqualFold(state.InboxID, inboxID) {
			return state, true
		}
	}
	return IdentityState{}, false
}
