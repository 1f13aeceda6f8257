package inbox

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peermail/peermail/internal/address"
	"github.com/peermail/peermail/internal/envelope"
	"github.com/peermail/peermail/internal/names"
	"github.com/peermail/peermail/internal/network"
)

const peerAddr = "0xABCDEF0123456789000000000000000000000001"

func newTestStore(t *testing.T) (*Store, *network.MemClient) {
	t.Helper()
	client := network.NewMemClient("me")
	resolver := names.NewStaticResolver(map[string]string{
		"alice.eth": peerAddr,
	})
	store := NewStore(client, resolver, Config{})
	t.Cleanup(store.Close)
	t.Cleanup(func() { _ = client.Close() })
	return store, client
}

func msg(id, convID string, sentAtNs int64) network.Message {
	return network.Message{
		ID:             id,
		ConversationID: convID,
		SenderInboxID:  "peer",
		Content:        "m-" + id,
		SentAtNs:       sentAtNs,
	}
}

func TestAppendMessagesIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)

	m := msg("a", "c1", 100)
	for i := 0; i < 5; i++ {
		store.AppendMessages("c1", m)
	}

	got := store.Messages("c1")
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].ID)
}

func TestAppendMessagesOrderConvergence(t *testing.T) {
	batch := []network.Message{
		msg("a", "c1", 300),
		msg("b", "c1", 100),
		msg("c", "c1", 500),
		msg("d", "c1", 200),
		msg("e", "c1", 400),
	}

	// any permutation, delivered in overlapping batches, converges
	rng := rand.New(rand.NewSource(1))
	var want []string
	for trial := 0; trial < 10; trial++ {
		store := NewStore(network.NewMemClient("me"), names.NewStaticResolver(nil), Config{})
		shuffled := append([]network.Message(nil), batch...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		store.AppendMessages("c1", shuffled[:3]...)
		store.AppendMessages("c1", shuffled[1:]...)
		store.AppendMessages("c1", shuffled...)

		got := store.Messages("c1")
		ids := make([]string, len(got))
		for i, m := range got {
			ids[i] = m.ID
		}
		if want == nil {
			want = ids
		}
		require.Equal(t, []string{"b", "d", "a", "e", "c"}, ids)
		require.Equal(t, want, ids)
	}
}

func TestUpsertConversationMergeIsNonDestructive(t *testing.T) {
	store, _ := newTestStore(t)

	store.UpsertConversation(Conversation{ID: "x", PeerAddress: "0xabc"})
	last := msg("m1", "x", 100)
	store.UpsertConversation(Conversation{ID: "x", LastMessage: &last})

	got, ok := store.Conversation("x")
	require.True(t, ok)
	require.Equal(t, "0xabc", got.PeerAddress)
	require.NotNil(t, got.LastMessage)
	require.Equal(t, "m1", got.LastMessage.ID)
}

func TestUpsertConversationKeepsNewestLastMessage(t *testing.T) {
	store, _ := newTestStore(t)

	newer := msg("new", "x", 200)
	older := msg("old", "x", 100)
	store.UpsertConversation(Conversation{ID: "x", LastMessage: &newer})
	store.UpsertConversation(Conversation{ID: "x", LastMessage: &older})

	got, _ := store.Conversation("x")
	require.Equal(t, "new", got.LastMessage.ID)
}

func TestBulkLoadPopulatesStore(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	client.RegisterIdentity("peer-1", peerAddr)
	conv := client.AddPeerConversation("peer-1", network.ConsentAllowed)
	_, err := client.DeliverMessage(conv.ID(), "hello", time.Now())
	require.NoError(t, err)

	// pending and blocked conversations stay out of scope
	client.AddPeerConversation("stranger", network.ConsentPending)
	client.AddPeerConversation("spammer", network.ConsentBlocked)

	require.NoError(t, store.BulkLoad(ctx))

	conversations := store.Conversations()
	require.Len(t, conversations, 1)
	got := conversations[0]
	require.Equal(t, conv.ID(), got.ID)
	require.Equal(t, "peer-1", got.PeerInboxID)
	require.Equal(t, address.ChecksumAddress(peerAddr), got.PeerAddress)
	require.NotNil(t, got.LastMessage)
	require.Equal(t, "hello", got.LastMessage.Content)
}

func TestBulkLoadDegradesOnIdentityFailure(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	client.AddPeerConversation("peer-1", network.ConsentAllowed)
	client.SetResolveError(errors.New("identity service down"))

	require.NoError(t, store.BulkLoad(ctx))

	conversations := store.Conversations()
	require.Len(t, conversations, 1)
	require.Equal(t, "peer-1", conversations[0].PeerInboxID)
	require.Empty(t, conversations[0].PeerAddress)
}

func TestResolvePeerIdentityCaches(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	client.RegisterIdentity("peer-1", peerAddr)
	addr, err := store.ResolvePeerIdentity(ctx, "peer-1")
	require.NoError(t, err)
	require.Equal(t, address.ChecksumAddress(peerAddr), addr)

	// positive entries short-circuit: the client can fail now
	client.SetResolveError(errors.New("down"))
	addr, err = store.ResolvePeerIdentity(ctx, "peer-1")
	require.NoError(t, err)
	require.Equal(t, address.ChecksumAddress(peerAddr), addr)
}

func TestResolvePeerIdentityNegativeCacheExpires(t *testing.T) {
	current := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	client := network.NewMemClient("me")
	store := NewStore(client, names.NewStaticResolver(nil), Config{
		NegativeCacheTTL: time.Minute,
		Now:              func() time.Time { return current },
	})
	t.Cleanup(store.Close)
	ctx := context.Background()

	_, err := store.ResolvePeerIdentity(ctx, "peer-1")
	require.Error(t, err)

	// within the TTL the miss is served from cache even after the peer
	// links an address
	client.RegisterIdentity("peer-1", peerAddr)
	_, err = store.ResolvePeerIdentity(ctx, "peer-1")
	require.Error(t, err)

	current = current.Add(2 * time.Minute)
	addr, err := store.ResolvePeerIdentity(ctx, "peer-1")
	require.NoError(t, err)
	require.Equal(t, address.ChecksumAddress(peerAddr), addr)
}

func TestSendFeedsBackThroughStorePaths(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	conv := client.AddPeerConversation("peer-1", network.ConsentAllowed)
	require.NoError(t, store.BulkLoad(ctx))

	sent, err := store.Send(ctx, conv.ID(), envelope.Draft{Subject: "Hi", Body: "there"})
	require.NoError(t, err)

	messages := store.Messages(conv.ID())
	require.Len(t, messages, 1)
	require.Equal(t, sent.ID, messages[0].ID)

	record, _ := store.Conversation(conv.ID())
	require.NotNil(t, record.LastMessage)
	require.Equal(t, sent.ID, record.LastMessage.ID)

	decoded := envelope.Decode(sent.Content)
	require.True(t, decoded.Email)
	require.Equal(t, "Hi", decoded.Envelope.Subject)
}

func TestSendConvergesWithStreamDelivery(t *testing.T) {
	// a locally sent message and the same message arriving via the live
	// stream must land in the identical end state
	store, client := newTestStore(t)
	ctx := context.Background()

	conv := client.AddPeerConversation("peer-1", network.ConsentAllowed)
	require.NoError(t, store.BulkLoad(ctx))
	require.NoError(t, store.OpenLiveStreams(ctx))

	sent, err := store.Send(ctx, conv.ID(), envelope.Draft{Body: "ping"})
	require.NoError(t, err)

	// the MemClient also broadcasts the send on the stream; the redundant
	// delivery must not duplicate anything
	require.Eventually(t, func() bool {
		return len(store.Messages(conv.ID())) == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	messages := store.Messages(conv.ID())
	require.Len(t, messages, 1)
	require.Equal(t, sent.ID, messages[0].ID)
}

func TestSendErrorsSurfaceToCaller(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	conv := client.AddPeerConversation("peer-1", network.ConsentAllowed)
	require.NoError(t, store.BulkLoad(ctx))

	client.SetSendError(errors.New("network unreachable"))
	_, err := store.Send(ctx, conv.ID(), envelope.Draft{Body: "ping"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "could not be sent")

	require.Empty(t, store.Messages(conv.ID()))
}

func TestSendToUnknownConversation(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Send(context.Background(), "nope", envelope.Draft{Body: "x"})
	require.ErrorIs(t, err, ErrUnknownConversation)
}

func TestSendEmptyDraftRejected(t *testing.T) {
	store, client := newTestStore(t)
	conv := client.AddPeerConversation("peer-1", network.ConsentAllowed)
	require.NoError(t, store.BulkLoad(context.Background()))

	_, err := store.Send(context.Background(), conv.ID(), envelope.Draft{Subject: "s"})
	require.ErrorIs(t, err, ErrEmptyDraft)
}

func TestSendNewResolvesRecipientKinds(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()
	client.RegisterIdentity("peer-inbox", peerAddr)

	// direct chain address
	sent, err := store.SendNew(ctx, peerAddr, envelope.Draft{Body: "direct"})
	require.NoError(t, err)
	record, ok := store.Conversation(sent.ConversationID)
	require.True(t, ok)
	require.Equal(t, "peer-inbox", record.PeerInboxID)

	// bridged alias resolved through the name service
	sent2, err := store.SendNew(ctx, "alice.eth@xmtp.mx", envelope.Draft{Body: "bridged"})
	require.NoError(t, err)
	require.Equal(t, sent.ConversationID, sent2.ConversationID)

	// bare ENS-style name
	sent3, err := store.SendNew(ctx, "alice.eth", envelope.Draft{Body: "named"})
	require.NoError(t, err)
	require.Equal(t, sent.ConversationID, sent3.ConversationID)
}

func TestSendNewRejectsBadRecipientsBeforeNetwork(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.SendNew(ctx, "", envelope.Draft{Body: "x"})
	require.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = store.SendNew(ctx, "someone@gmail.com", envelope.Draft{Body: "x"})
	require.ErrorIs(t, err, ErrUnsupportedDomain)
	require.NotErrorIs(t, err, ErrInvalidRecipient)

	_, err = store.SendNew(ctx, "unknown.name@xmtp.mx", envelope.Draft{Body: "x"})
	require.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestStreamDeliversConversationAndMessages(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.BulkLoad(ctx))
	require.NoError(t, store.OpenLiveStreams(ctx))

	conv := client.AddPeerConversation("peer-1", network.ConsentAllowed)
	_, err := client.DeliverMessage(conv.ID(), "streamed", time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		record, ok := store.Conversation(conv.ID())
		return ok && record.LastMessage != nil && record.LastMessage.Content == "streamed"
	}, time.Second, 10*time.Millisecond)
}

func TestStreamSkipsNonAllowedConversations(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.OpenLiveStreams(ctx))

	pending := client.AddPeerConversation("stranger", network.ConsentPending)
	blocked := client.AddPeerConversation("spammer", network.ConsentBlocked)
	// the allowed conversation arrives last, so once it lands the two
	// earlier events have already been processed
	allowed := client.AddPeerConversation("friend", network.ConsentAllowed)

	require.Eventually(t, func() bool {
		_, ok := store.Conversation(allowed.ID())
		return ok
	}, time.Second, 10*time.Millisecond)

	_, ok := store.Conversation(pending.ID())
	require.False(t, ok)
	_, ok = store.Conversation(blocked.ID())
	require.False(t, ok)

	for _, item := range store.Project("") {
		require.NotEqual(t, pending.ID(), item.ID)
		require.NotEqual(t, blocked.ID(), item.ID)
	}
}

func TestStreamSelfHealsMessageBeforeConversation(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	// conversation created before the store subscribes is only
	// discoverable by fetch; its messages still stream in
	conv := client.AddPeerConversation("peer-1", network.ConsentAllowed)

	require.NoError(t, store.OpenLiveStreams(ctx))
	_, ok := store.Conversation(conv.ID())
	require.False(t, ok)

	_, err := client.DeliverMessage(conv.ID(), "early", time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		record, ok := store.Conversation(conv.ID())
		if !ok || record.LastMessage == nil {
			return false
		}
		return record.PeerInboxID == "peer-1" && len(store.Messages(conv.ID())) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStreamMessageCallbackSeesReconciledState(t *testing.T) {
	type observed struct {
		record Conversation
		msg    network.Message
	}
	seen := make(chan observed, 1)

	client := network.NewMemClient("me")
	store := NewStore(client, names.NewStaticResolver(nil), Config{
		OnStreamMessage: func(record Conversation, msg network.Message) {
			seen <- observed{record: record, msg: msg}
		},
	})
	t.Cleanup(store.Close)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	require.NoError(t, store.OpenLiveStreams(ctx))
	conv := client.AddPeerConversation("peer-1", network.ConsentAllowed)
	sent, err := client.DeliverMessage(conv.ID(), "hello", time.Now())
	require.NoError(t, err)

	select {
	case got := <-seen:
		require.Equal(t, sent.ID, got.msg.ID)
		require.Equal(t, conv.ID(), got.record.ID)
		require.Equal(t, "peer-1", got.record.PeerInboxID)
		require.NotNil(t, got.record.LastMessage)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCloseLiveStreamsIsIdempotent(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	// closing before opening is a no-op
	store.CloseLiveStreams()

	require.NoError(t, store.OpenLiveStreams(ctx))
	store.CloseLiveStreams()
	store.CloseLiveStreams()

	// a closed generation no longer mutates the store
	conv := client.AddPeerConversation("peer-1", network.ConsentAllowed)
	_, err := client.DeliverMessage(conv.ID(), "late", time.Now())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, ok := store.Conversation(conv.ID())
	require.False(t, ok)

	// streams can be reopened after teardown
	require.NoError(t, store.OpenLiveStreams(ctx))
	_, err = client.DeliverMessage(conv.ID(), "after reopen", time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := store.Conversation(conv.ID())
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestOpenLiveStreamsTwiceIsNoOp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.OpenLiveStreams(ctx))
	require.NoError(t, store.OpenLiveStreams(ctx))
	store.CloseLiveStreams()
}

func TestClosedStoreRefusesOperations(t *testing.T) {
	store, _ := newTestStore(t)
	store.Close()
	store.Close() // idempotent

	require.ErrorIs(t, store.BulkLoad(context.Background()), ErrStoreClosed)
	require.ErrorIs(t, store.OpenLiveStreams(context.Background()), ErrStoreClosed)
	_, err := store.Send(context.Background(), "c", envelope.Draft{Body: "x"})
	require.ErrorIs(t, err, ErrStoreClosed)
}
