package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/peermail/peermail/internal/address"
	"github.com/peermail/peermail/internal/envelope"
	"github.com/peermail/peermail/internal/names"
	"github.com/peermail/peermail/internal/network"
)

// Send encodes a draft and writes it to an existing conversation. The
// confirmed message is fed back through the same append/upsert path the live
// stream uses, so the end state is identical to stream delivery. Send and
// recipient errors are the only ones surfaced to the caller.
func (s *Store) Send(ctx context.Context, conversationID string, draft envelope.Draft) (network.Message, error) {
	if s.isClosed() {
		return network.Message{}, ErrStoreClosed
	}
	if strings.TrimSpace(draft.Body) == "" {
		return network.Message{}, ErrEmptyDraft
	}

	conv, err := s.handle(ctx, conversationID)
	if err != nil {
		return network.Message{}, err
	}

	content, err := envelope.Encode(draft)
	if err != nil {
		return network.Message{}, fmt.Errorf("could not prepare message: %w", err)
	}

	msg, err := conv.Send(ctx, content)
	if err != nil {
		return network.Message{}, fmt.Errorf("message could not be sent: %w", err)
	}

	s.AppendMessages(msg.ConversationID, msg)
	s.UpsertConversation(Conversation{ID: msg.ConversationID, LastMessage: &msg})
	return msg, nil
}

// SendNew resolves a free-text recipient, establishes the conversation, and
// sends. Recipient classification failures are reported before any network
// call is attempted.
func (s *Store) SendNew(ctx context.Context, recipient string, draft envelope.Draft) (network.Message, error) {
	if s.isClosed() {
		return network.Message{}, ErrStoreClosed
	}

	identifier, err := s.resolveRecipient(ctx, recipient)
	if err != nil {
		return network.Message{}, err
	}

	conv, err := s.client.CreateDirectConversation(ctx, identifier)
	if err != nil {
		return network.Message{}, fmt.Errorf("could not reach %s: %w", recipient, err)
	}
	s.ingestConversation(ctx, conv)

	return s.Send(ctx, conv.ID(), draft)
}

// resolveRecipient turns a typed recipient string into a network identifier.
// Bridged aliases and ENS-style names go through the name resolver; a failed
// name lookup here is a recipient error, not a silent degradation, because
// there is no destination without it.
func (s *Store) resolveRecipient(ctx context.Context, recipient string) (string, error) {
	parsed := s.parser.Parse(recipient)
	switch parsed.Kind {
	case address.KindInvalid:
		return "", fmt.Errorf("%w: %s", ErrInvalidRecipient, parsed.Reason)

	case address.KindUnsupported:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDomain, parsed.Domain)

	case address.KindBridged:
		return s.resolveAlias(ctx, parsed.Alias)

	case address.KindDirect:
		if address.IsDirectIdentifierFormat(parsed.Identifier) {
			return address.ChecksumAddress(parsed.Identifier), nil
		}
		if looksLikeName(parsed.Identifier) {
			return s.resolveAlias(ctx, parsed.Identifier)
		}
		// Anything else is taken as a raw inbox identifier.
		return parsed.Identifier, nil

	default:
		return "", ErrInvalidRecipient
	}
}

func (s *Store) resolveAlias(ctx context.Context, alias string) (string, error) {
	if address.IsDirectIdentifierFormat(alias) {
		return address.ChecksumAddress(alias), nil
	}
	addr, err := s.names.ResolveName(ctx, alias)
	if err != nil {
		if errors.Is(err, names.ErrNameNotFound) {
			return "", fmt.Errorf("%w: no address found for %q", ErrInvalidRecipient, alias)
		}
		return "", fmt.Errorf("could not resolve %q: %w", alias, err)
	}
	return address.ChecksumAddress(addr), nil
}

// looksLikeName reports whether an identifier reads as a dotted name
// (for example "alice.eth") rather than a raw inbox id.
func looksLikeName(identifier string) bool {
	return strings.Contains(identifier, ".") && !strings.ContainsAny(identifier, " \t")
}
