package network

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite"
)

// LocalClient is a SQLite-backed loopback Client. It gives the CLI a
// persistent inbox to develop against without a live network; peers are
// simulated by delivering messages into its database.
type LocalClient struct {
	mu       sync.Mutex
	db       *sql.DB
	inboxID  string
	closed   bool
	now      func() time.Time
	entropy  *ulid.MonotonicEntropy
	buffer   int
	convSubs map[*chanSubscription[Conversation]]struct{}
	msgSubs  map[*chanSubscription[Message]]ListFilter
}

// LocalClientConfig configures a LocalClient.
type LocalClientConfig struct {
	// Path is the SQLite database file path.
	Path string

	// InboxID is the local account's inbox identifier.
	InboxID string

	// SubscribeBuffer is the stream channel buffer size.
	SubscribeBuffer int
}

// OpenLocalClient opens (creating if needed) a local loopback client.
func OpenLocalClient(cfg LocalClientConfig) (*LocalClient, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("database path required")
	}
	inboxID := strings.TrimSpace(cfg.InboxID)
	if inboxID == "" {
		return nil, errors.New("inbox id required")
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local client database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to local client database: %w", err)
	}

	buffer := cfg.SubscribeBuffer
	if buffer <= 0 {
		buffer = defaultSubscribeBuffer
	}

	client := &LocalClient{
		db:       db,
		inboxID:  inboxID,
		now:      func() time.Time { return time.Now().UTC() },
		buffer:   buffer,
		convSubs: make(map[*chanSubscription[Conversation]]struct{}),
		msgSubs:  make(map[*chanSubscription[Message]]ListFilter),
	}
	client.entropy = ulid.Monotonic(rand.New(rand.NewSource(client.now().UnixNano())), 0)

	if err := client.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return client, nil
}

func (c *LocalClient) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			peer_inbox_id TEXT NOT NULL,
			consent TEXT NOT NULL DEFAULT 'allowed',
			created_at_ns INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_inbox_id TEXT NOT NULL,
			content TEXT NOT NULL,
			sent_at_ns INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS identities (
			inbox_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (inbox_id, kind, value)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, sent_at_ns)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_peer_idx ON conversations(peer_inbox_id)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize local client schema: %w", err)
		}
	}
	return nil
}

func (c *LocalClient) InboxID() string {
	return c.inboxID
}

// RegisterIdentity links a chain address to an inbox id.
func (c *LocalClient) RegisterIdentity(ctx context.Context, inboxID, chainAddress string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO identities (inbox_id, kind, value) VALUES (?, ?, ?)
	`, inboxID, string(IdentifierChainAddress), chainAddress)
	if err != nil {
		return fmt.Errorf("failed to register identity: %w", err)
	}
	return nil
}

func (c *LocalClient) List(ctx context.Context, filter ListFilter) ([]Conversation, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, peer_inbox_id, consent, created_at_ns
		FROM conversations ORDER BY created_at_ns ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv := &localConversation{client: c}
		var consent string
		if err := rows.Scan(&conv.id, &conv.peerInboxID, &consent, &conv.createdAtNs); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.consent = ConsentState(consent)
		if filter.Matches(conv.consent) {
			out = append(out, conv)
		}
	}
	return out, rows.Err()
}

func (c *LocalClient) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	conv := &localConversation{client: c}
	var consent string
	err := c.db.QueryRowContext(ctx, `
		SELECT id, peer_inbox_id, consent, created_at_ns FROM conversations WHERE id = ?
	`, id).Scan(&conv.id, &conv.peerInboxID, &consent, &conv.createdAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.consent = ConsentState(consent)
	return conv, nil
}

func (c *LocalClient) CreateDirectConversation(ctx context.Context, identifier string) (Conversation, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	peerInboxID := strings.TrimSpace(identifier)
	var mapped string
	err := c.db.QueryRowContext(ctx, `
		SELECT inbox_id FROM identities WHERE kind = ? AND value = ? COLLATE NOCASE
	`, string(IdentifierChainAddress), peerInboxID).Scan(&mapped)
	if err == nil {
		peerInboxID = mapped
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve identifier: %w", err)
	}

	if conv, err := c.conversationByPeer(ctx, peerInboxID); err == nil {
		return conv, nil
	} else if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	conv := &localConversation{
		client:      c,
		id:          uuid.New().String(),
		peerInboxID: peerInboxID,
		createdAtNs: c.now().UnixNano(),
		consent:     ConsentAllowed,
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO conversations (id, peer_inbox_id, consent, created_at_ns) VALUES (?, ?, ?, ?)
	`, conv.id, conv.peerInboxID, string(conv.consent), conv.createdAtNs)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	c.mu.Lock()
	c.broadcastConversationLocked(conv)
	c.mu.Unlock()
	return conv, nil
}

func (c *LocalClient) conversationByPeer(ctx context.Context, peerInboxID string) (Conversation, error) {
	conv := &localConversation{client: c}
	var consent string
	err := c.db.QueryRowContext(ctx, `
		SELECT id, peer_inbox_id, consent, created_at_ns FROM conversations WHERE peer_inbox_id = ?
	`, peerInboxID).Scan(&conv.id, &conv.peerInboxID, &consent, &conv.createdAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.consent = ConsentState(consent)
	return conv, nil
}

// DeliverMessage injects a message from the conversation's peer, persists
// it, and announces it on the message stream.
func (c *LocalClient) DeliverMessage(ctx context.Context, conversationID, content string, sentAt time.Time) (Message, error) {
	raw, err := c.ConversationByID(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	conv := raw.(*localConversation)

	c.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(sentAt), c.entropy).String()
	c.mu.Unlock()

	msg := Message{
		ID:             id,
		ConversationID: conv.id,
		SenderInboxID:  conv.peerInboxID,
		Content:        content,
		SentAtNs:       sentAt.UnixNano(),
	}
	if err := c.insertMessage(ctx, msg); err != nil {
		return Message{}, err
	}

	c.mu.Lock()
	c.broadcastMessageLocked(conv.consent, msg)
	c.mu.Unlock()
	return msg, nil
}

func (c *LocalClient) insertMessage(ctx context.Context, msg Message) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_inbox_id, content, sent_at_ns)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderInboxID, msg.Content, msg.SentAtNs)
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

func (c *LocalClient) StreamConversations(ctx context.Context) (Subscription[Conversation], error) {
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

func (c *LocalClient) StreamAllMessages(ctx context.Context, filter ListFilter) (Subscription[Message], error) {
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

func (c *LocalClient) ResolveIdentities(ctx context.Context, inboxIDs []string) ([]IdentityState, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	states := make([]IdentityState, 0, len(inboxIDs))
	for _, inboxID := range inboxIDs {
		rows, err := c.db.QueryContext(ctx, `
			SELECT kind, value FROM identities WHERE inbox_id = ?
		`, inboxID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve identities: %w", err)
		}
		var identifiers []Identifier
		for rows.Next() {
			var kind, value string
			if err := rows.Scan(&kind, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan identity: %w", err)
			}
			identifiers = append(identifiers, Identifier{Kind: IdentifierKind(kind), Value: value})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
		if len(identifiers) > 0 {
			states = append(states, IdentityState{InboxID: inboxID, Identifiers: identifiers})
		}
	}
	return states, nil
}

func (c *LocalClient) Close() error {
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

	for _, sub := range convSubs {
		sub.Cancel()
	}
	for _, sub := range msgSubs {
		sub.Cancel()
	}
	return c.db.Close()
}

func (c *LocalClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *LocalClient) broadcastConversationLocked(conv Conversation) {
	for sub := range c.convSubs {
		sub.deliver(conv)
	}
}

func (c *LocalClient) broadcastMessageLocked(consent ConsentState, msg Message) {
	for sub, filter := range c.msgSubs {
		if filter.Matches(consent) {
			sub.deliver(msg)
		}
	}
}

type localConversation struct {
	client      *LocalClient
	id          string
	peerInboxID string
	createdAtNs int64
	consent     ConsentState
}

func (v *localConversation) ID() string            { return v.id }
func (v *localConversation) PeerInboxID() string   { return v.peerInboxID }
func (v *localConversation) CreatedAt() time.Time  { return time.Unix(0, v.createdAtNs) }
func (v *localConversation) Consent() ConsentState { return v.consent }

func (v *localConversation) Send(ctx context.Context, content string) (Message, error) {
	c := v.client
	if c.isClosed() {
		return Message{}, ErrClientClosed
	}

	now := c.now()
	c.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), c.entropy).String()
	c.mu.Unlock()

	msg := Message{
		ID:             id,
		ConversationID: v.id,
		SenderInboxID:  c.inboxID,
		Content:        content,
		SentAtNs:       now.UnixNano(),
	}
	if err := c.insertMessage(ctx, msg); err != nil {
		return Message{}, err
	}

	c.mu.Lock()
	c.broadcastMessageLocked(v.consent, msg)
	c.mu.Unlock()
	return msg, nil
}

func (v *localConversation) Messages(ctx context.Context, query MessageQuery) ([]Message, error) {
	c := v.client
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	order := "ASC"
	if query.Descending {
		order = "DESC"
	}
	q := fmt.Sprintf(`
		SELECT id, conversation_id, sender_inbox_id, content, sent_at_ns
		FROM messages WHERE conversation_id = ? ORDER BY sent_at_ns %s, id %s
	`, order, order)

	var rows *sql.Rows
	var err error
	if query.Limit > 0 {
		rows, err = c.db.QueryContext(ctx, q+" LIMIT ?", v.id, query.Limit)
	} else {
		rows, err = c.db.QueryContext(ctx, q, v.id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderInboxID, &msg.Content, &msg.SentAtNs); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
