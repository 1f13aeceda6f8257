package network

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const defaultSubscribeBuffer = 256

// MemClient is an in-memory Client. It plays the role of the messaging
// network in tests: peers are registered, conversations and messages can be
// injected from the "network side", and everything delivered to streams goes
// through the same paths a real client would use.
type MemClient struct {
	mu       sync.Mutex
	inboxID  string
	closed   bool
	now      func() time.Time
	entropy  *ulid.MonotonicEntropy
	convs    map[string]*memConversation
	byPeer   map[string]string // peer inbox id -> conversation id
	identity map[string][]Identifier
	byAddr   map[string]string // lowercased chain address -> inbox id
	convSubs map[*chanSubscription[Conversation]]struct{}
	msgSubs  map[*chanSubscription[Message]]ListFilter

	sendErr    error
	resolveErr error
	buffer     int
}

// MemClientOption configures a MemClient.
type MemClientOption func(*MemClient)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) MemClientOption {
	return func(c *MemClient) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSubscribeBuffer sets the stream channel buffer size.
func WithSubscribeBuffer(n int) MemClientOption {
	return func(c *MemClient) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// NewMemClient creates an in-memory client for the given local inbox id.
func NewMemClient(inboxID string, opts ...MemClientOption) *MemClient {
	c := &MemClient{
		inboxID:  inboxID,
		now:      func() time.Time { return time.Now().UTC() },
		convs:    make(map[string]*memConversation),
		byPeer:   make(map[string]string),
		identity: make(map[string][]Identifier),
		byAddr:   make(map[string]string),
		convSubs: make(map[*chanSubscription[Conversation]]struct{}),
		msgSubs:  make(map[*chanSubscription[Message]]ListFilter),
		buffer:   defaultSubscribeBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entropy = ulid.Monotonic(rand.New(rand.NewSource(c.now().UnixNano())), 0)
	return c
}

func (c *MemClient) InboxID() string {
	return c.inboxID
}

// RegisterIdentity links a chain address to an inbox id, making it visible
// to ResolveIdentities and usable as a CreateDirectConversation target.
func (c *MemClient) RegisterIdentity(inboxID, chainAddress string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity[inboxID] = append(c.identity[inboxID], Identifier{
		Kind:  IdentifierChainAddress,
		Value: chainAddress,
	})
	c.byAddr[strings.ToLower(chainAddress)] = inboxID
}

// SetSendError makes all subsequent sends fail with err (nil clears it).
func (c *MemClient) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SetResolveError makes ResolveIdentities fail with err (nil clears it).
func (c *MemClient) SetResolveError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveErr = err
}

func (c *MemClient) List(ctx context.Context, filter ListFilter) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	out := make([]Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		if filter.Matches(conv.consent) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].(*memConversation).createdAtNs < out[j].(*memConversation).createdAtNs
	})
	return out, nil
}

func (c *MemClient) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	conv, ok := c.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

func (c *MemClient) CreateDirectConversation(ctx context.Context, identifier string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	peerInboxID := identifier
	if inboxID, ok := c.byAddr[strings.ToLower(strings.TrimSpace(identifier))]; ok {
		peerInboxID = inboxID
	}

	if id, ok := c.byPeer[peerInboxID]; ok {
		return c.convs[id], nil
	}

	conv := &memConversation{
		client:      c,
		id:          uuid.New().String(),
		peerInboxID: peerInboxID,
		createdAtNs: c.now().UnixNano(),
		consent:     ConsentAllowed,
	}
	c.convs[conv.id] = conv
	c.byPeer[peerInboxID] = conv.id
	c.broadcastConversationLocked(conv)
	return conv, nil
}

// AddPeerConversation injects a conversation initiated by a remote peer and
// announces it on the conversation stream.
func (c *MemClient) AddPeerConversation(peerInboxID string, consent ConsentState) Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byPeer[peerInboxID]; ok {
		return c.convs[id]
	}
	conv := &memConversation{
		client:      c,
		id:          uuid.New().String(),
		peerInboxID: peerInboxID,
		createdAtNs: c.now().UnixNano(),
		consent:     consent,
	}
	c.convs[conv.id] = conv
	c.byPeer[peerInboxID] = conv.id
	c.broadcastConversationLocked(conv)
	return conv
}

// DeliverMessage injects a message from the conversation's peer, as if it
// had arrived over the network, and announces it on the message stream.
func (c *MemClient) DeliverMessage(conversationID, content string, sentAt time.Time) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.convs[conversationID]
	if !ok {
		return Message{}, ErrConversationNotFound
	}
	msg := Message{
		ID:             c.newMessageIDLocked(sentAt),
		ConversationID: conv.id,
		SenderInboxID:  conv.peerInboxID,
		Content:        content,
		SentAtNs:       sentAt.UnixNano(),
	}
	conv.messages = append(conv.messages, msg)
	c.broadcastMessageLocked(conv, msg)
	return msg, nil
}

func (c *MemClient) StreamConversations(ctx context.Context) (Subscription[Conversation], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	var sub *chanSubscription[Conversation]
	sub = newChanSubscription[Conversation](c.buffer, func() {
		c.mu.Lock()
		delete(c.convSubs, sub)
		c.mu.Unlock()
	})
	c.convSubs[sub] = struct{}{}
	go cancelOnDone(ctx, sub)
	return sub, nil
}

func (c *MemClient) StreamAllMessages(ctx context.Context, filter ListFilter) (Subscription[Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	var sub *chanSubscription[Message]
	sub = newChanSubscription[Message](c.buffer, func() {
		c.mu.Lock()
		delete(c.msgSubs, sub)
		c.mu.Unlock()
	})
	c.msgSubs[sub] = filter
	go cancelOnDone(ctx, sub)
	return sub, nil
}

func (c *MemClient) ResolveIdentities(ctx context.Context, inboxIDs []string) ([]IdentityState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.resolveErr != nil {
		return nil, c.resolveErr
	}

	states := make([]IdentityState, 0, len(inboxIDs))
	for _, inboxID := range inboxIDs {
		identifiers, ok := c.identity[inboxID]
		if !ok {
			continue
		}
		states = append(states, IdentityState{
			InboxID:     inboxID,
			Identifiers: append([]Identifier(nil), identifiers...),
		})
	}
	return states, nil
}

func (c *MemClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	convSubs := make([]*chanSubscription[Conversation], 0, len(c.convSubs))
	for sub := range c.convSubs {
		convSubs = append(convSubs, sub)
	}
	msgSubs := make([]*chanSubscription[Message], 0, len(c.msgSubs))
	for sub := range c.msgSubs {
		msgSubs = append(msgSubs, sub)
	}
	c.mu.Unlock()

	// Cancel outside the lock; each Cancel re-enters to detach itself.
	for _, sub := range convSubs {
		sub.Cancel()
	}
	for _, sub := range msgSubs {
		sub.Cancel()
	}
	return nil
}

func (c *MemClient) newMessageIDLocked(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), c.entropy).String()
}

func (c *MemClient) broadcastConversationLocked(conv *memConversation) {
	for sub := range c.convSubs {
		sub.deliver(conv)
	}
}

func (c *MemClient) broadcastMessageLocked(conv *memConversation, msg Message) {
	for sub, filter := range c.msgSubs {
		if filter.Matches(conv.consent) {
			sub.deliver(msg)
		}
	}
}

func cancelOnDone[T any](ctx context.Context, sub *chanSubscription[T]) {
	select {
	case <-ctx.Done():
		sub.Cancel()
	case <-sub.done:
	}
}

type memConversation struct {
	client      *MemClient
	id          string
	peerInboxID string
	createdAtNs int64
	consent     ConsentState
	messages    []Message
}

func (v *memConversation) ID() string            { return v.id }
func (v *memConversation) PeerInboxID() string   { return v.peerInboxID }
func (v *memConversation) CreatedAt() time.Time  { return time.Unix(0, v.createdAtNs) }
func (v *memConversation) Consent() ConsentState { return v.consent }

func (v *memConversation) Send(ctx context.Context, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	c := v.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Message{}, ErrClientClosed
	}
	if c.sendErr != nil {
		return Message{}, c.sendErr
	}

	now := c.now()
	msg := Message{
		ID:             c.newMessageIDLocked(now),
		ConversationID: v.id,
		SenderInboxID:  c.inboxID,
		Content:        content,
		SentAtNs:       now.UnixNano(),
	}
	v.messages = append(v.messages, msg)
	c.broadcastMessageLocked(v, msg)
	return msg, nil
}

func (v *memConversation) Messages(ctx context.Context, query MessageQuery) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := v.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	out := append([]Message(nil), v.messages...)
	sort.SliceStable(out, func(i, j int) bool {
		if query.Descending {
			return out[i].SentAtNs > out[j].SentAtNs
		}
		return out[i].SentAtNs < out[j].SentAtNs
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}
