// Package inbox is the conversation reconciliation core. A Store merges
// conversation and message events from a bulk load, two live streams, and
// locally initiated sends into one deduplicated, time-ordered view, and
// projects that view into a display-ready conversation list.
//
// Every conversation write goes through UpsertConversation and every message
// write through AppendMessages, regardless of where the event came from.
// That single-write-path discipline is what keeps the concurrent producers
// convergent: operations are idempotent and commutative under redundant
// delivery, so overlap between the bulk load and the streams is harmless.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peermail/peermail/internal/address"
	"github.com/peermail/peermail/internal/logging"
	"github.com/peermail/peermail/internal/names"
	"github.com/peermail/peermail/internal/network"
)

// Store errors.
var (
	ErrStoreClosed         = errors.New("inbox store closed")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrUnsupportedDomain   = errors.New("recipient domain is not supported yet")
	ErrEmptyDraft          = errors.New("message body is required")
)

const (
	defaultBulkParallelism  = 8
	defaultNegativeCacheTTL = 30 * time.Second
)

// Conversation is one reconciled peer-to-peer conversation record. The
// Store owns these; readers get copies.
type Conversation struct {
	// ID is the network's stable conversation identifier and the single
	// deduplication key.
	ID string

	// PeerInboxID is the other party's inbox identifier.
	PeerInboxID string

	// PeerAddress is the resolved chain address, when known.
	PeerAddress string

	// LastMessage is the most recent message, when known.
	LastMessage *network.Message

	// CreatedAt is when the conversation was established.
	CreatedAt time.Time
}

// DisplayLabel is the best-available label for the conversation.
func (c Conversation) DisplayLabel() string {
	if c.PeerAddress != "" {
		return c.PeerAddress
	}
	if c.PeerInboxID != "" {
		return c.PeerInboxID
	}
	return c.ID
}

// LastActivity is the recency timestamp used for ordering: the last
// message's send time, else the creation time, else the zero time.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.SentAt()
	}
	return c.CreatedAt
}

// Config tunes a Store.
type Config struct {
	// BridgeDomain is the reserved suffix for bridged email-style recipients.
	BridgeDomain string

	// BulkLoadParallelism bounds concurrent per-conversation prefetches.
	BulkLoadParallelism int

	// NegativeCacheTTL is how long a failed identity lookup is remembered.
	NegativeCacheTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	// OnStreamMessage, when set, observes each streamed message after it
	// has been reconciled into the store. Called from the stream consumer
	// goroutine without holding the store lock.
	OnStreamMessage func(record Conversation, msg network.Message)
}

// Store reconciles network state into a consistent local view. It holds an
// explicit client handle; its lifecycle is tied to that handle's lifecycle.
type Store struct {
	client          network.Client
	names           names.Resolver
	parser          *address.Parser
	logger          zerolog.Logger
	now             func() time.Time
	onStreamMessage func(record Conversation, msg network.Message)

	bulkParallelism int
	cache           *identityCache

	mu            sync.Mutex
	closed        bool
	conversations map[string]*Conversation
	order         []string // conversation ids in first-sighting order
	messages      map[string][]network.Message
	handles       map[string]network.Conversation

	streams *streamSet
}

// NewStore creates a Store over an explicit client handle and name resolver.
func NewStore(client network.Client, resolver names.Resolver, cfg Config) *Store {
	parallelism := cfg.BulkLoadParallelism
	if parallelism <= 0 {
		parallelism = defaultBulkParallelism
	}
	negativeTTL := cfg.NegativeCacheTTL
	if negativeTTL <= 0 {
		negativeTTL = defaultNegativeCacheTTL
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Store{
		client:          client,
		names:           resolver,
		onStreamMessage: cfg.OnStreamMessage,
		parser:          address.NewParser(cfg.BridgeDomain),
		logger:          logging.WithInbox(logging.Component("inbox-store"), client.InboxID()),
		now:             now,
		bulkParallelism: parallelism,
		cache:           newIdentityCache(now, negativeTTL),
		conversations:   make(map[string]*Conversation),
		messages:        make(map[string][]network.Message),
		handles:         make(map[string]network.Conversation),
	}
}

// allowedDirect is the consent filter this store operates under.
var allowedDirect = network.ListFilter{Consents: []network.ConsentState{network.ConsentAllowed}}

// BulkLoad fetches the full current conversation list and, per
// conversation, resolves the peer identity and the latest message. Failures
// on one conversation never abort the others; the conversation is inserted
// with whatever fields succeeded.
func (s *Store) BulkLoad(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	conversations, err := s.client.List(ctx, allowedDirect)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	sem := make(chan struct{}, s.bulkParallelism)
	var wg sync.WaitGroup
	for _, conv := range conversations {
		wg.Add(1)
		sem <- struct{}{}
		go func(conv network.Conversation) {
			defer wg.Done()
			defer func() { <-sem }()
			s.loadConversation(ctx, conv)
		}(conv)
	}
	wg.Wait()

	s.logger.Debug().Int("conversations", len(conversations)).Msg("bulk load complete")
	return nil
}

// loadConversation prefetches peer identity and the last message for one
// conversation and upserts the result. Lookup failures degrade, never fail.
func (s *Store) loadConversation(ctx context.Context, conv network.Conversation) {
	record := Conversation{
		ID:          conv.ID(),
		PeerInboxID: conv.PeerInboxID(),
		CreatedAt:   conv.CreatedAt(),
	}
	logger := logging.WithConversation(s.logger, conv.ID())

	if addr, err := s.ResolvePeerIdentity(ctx, conv.PeerInboxID()); err != nil {
		logger.Warn().Err(err).Str("peer_inbox_id", conv.PeerInboxID()).Msg("peer identity lookup failed")
	} else {
		record.PeerAddress = addr
	}

	latest, err := conv.Messages(ctx, network.MessageQuery{Descending: true, Limit: 1})
	if err != nil {
		logger.Warn().Err(err).Msg("last message fetch failed")
	} else if len(latest) > 0 {
		msg := latest[0]
		record.LastMessage = &msg
		s.AppendMessages(conv.ID(), msg)
	}

	s.trackHandle(conv)
	s.UpsertConversation(record)
}

// UpsertConversation merges a partial record by id. This is the single
// write path for bulk load, both live streams, and local sends. A partial
// update never erases previously populated fields.
func (s *Store) UpsertConversation(partial Conversation) {
	if partial.ID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	existing, ok := s.conversations[partial.ID]
	if !ok {
		record := partial
		s.conversations[partial.ID] = &record
		s.order = append(s.order, partial.ID)
		return
	}

	if partial.PeerInboxID != "" {
		existing.PeerInboxID = partial.PeerInboxID
	}
	if partial.PeerAddress != "" {
		existing.PeerAddress = partial.PeerAddress
	}
	if existing.CreatedAt.IsZero() {
		existing.CreatedAt = partial.CreatedAt
	}
	if partial.LastMessage != nil {
		if existing.LastMessage == nil || partial.LastMessage.SentAtNs >= existing.LastMessage.SentAtNs {
			msg := *partial.LastMessage
			existing.LastMessage = &msg
		}
	}
}

// AppendMessages merges messages into a conversation's ordered sequence.
// Duplicates by id are dropped and the sequence is re-sorted ascending by
// send time, so the call is idempotent and order-independent across
// overlapping batches.
func (s *Store) AppendMessages(conversationID string, msgs ...network.Message) {
	if conversationID == "" || len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	existing := s.messages[conversationID]
	seen := make(map[string]struct{}, len(existing))
	for _, msg := range existing {
		seen[msg.ID] = struct{}{}
	}

	appended := false
	for _, msg := range msgs {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		existing = append(existing, msg)
		appended = true
	}
	if !appended {
		return
	}

	sort.SliceStable(existing, func(i, j int) bool {
		return existing[i].SentAtNs < existing[j].SentAtNs
	})
	s.messages[conversationID] = existing
}

// ResolvePeerIdentity maps an inbox id to its chain address, with caching.
// Positive results short-circuit forever; misses are negatively cached for a
// bounded TTL so repeatedly unresolvable peers don't hammer the network.
func (s *Store) ResolvePeerIdentity(ctx context.Context, inboxID string) (string, error) {
	inboxID = strings.TrimSpace(inboxID)
	if inboxID == "" {
		return "", errors.New("inbox id required")
	}

	if addr, resolved, shouldQuery := s.cache.lookup(inboxID); resolved {
		return addr, nil
	} else if !shouldQuery {
		return "", fmt.Errorf("no address linked to %s", inboxID)
	}

	states, err := s.client.ResolveIdentities(ctx, []string{inboxID})
	if err != nil {
		s.cache.storeNegative(inboxID)
		return "", fmt.Errorf("resolve identity: %w", err)
	}

	state, ok := network.FindIdentityState(states, inboxID)
	if !ok {
		s.cache.storeNegative(inboxID)
		return "", fmt.Errorf("no identity state for %s", inboxID)
	}
	addr, ok := state.ChainAddress()
	if !ok {
		s.cache.storeNegative(inboxID)
		return "", fmt.Errorf("no address linked to %s", inboxID)
	}

	checksummed := address.ChecksumAddress(addr)
	s.cache.storePositive(inboxID, checksummed)
	return checksummed, nil
}

// Conversations returns a copy of all records in first-sighting order.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		record := s.conversations[id]
		copied := *record
		if record.LastMessage != nil {
			msg := *record.LastMessage
			copied.LastMessage = &msg
		}
		out = append(out, copied)
	}
	return out
}

// Conversation returns a copy of one record.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	copied := *record
	if record.LastMessage != nil {
		msg := *record.LastMessage
		copied.LastMessage = &msg
	}
	return copied, true
}

// Messages returns a copy of a conversation's ordered message sequence.
func (s *Store) Messages(conversationID string) []network.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]network.Message(nil), s.messages[conversationID]...)
}

// Close tears the store down: live streams are cancelled and the identity
// cache is cleared. Idempotent.
func (s *Store) Close() {
	s.CloseLiveStreams()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cache.clear()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) trackHandle(conv network.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handles[conv.ID()] = conv
}

func (s *Store) handle(ctx context.Context, conversationID string) (network.Conversation, error) {
	s.mu.Lock()
	conv, ok := s.handles[conversationID]
	s.mu.Unlock()
	if ok {
		return conv, nil
	}

	conv, err := s.client.ConversationByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, network.ErrConversationNotFound) {
			return nil, ErrUnknownConversation
		}
		return nil, err
	}
	s.trackHandle(conv)
	return conv, nil
}
