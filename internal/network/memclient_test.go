package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemClientCreateDirectConversationIsIdempotent(t *testing.T) {
	client := NewMemClient("me")
	ctx := context.Background()

	first, err := client.CreateDirectConversation(ctx, "peer-1")
	require.NoError(t, err)
	second, err := client.CreateDirectConversation(ctx, "peer-1")
	require.NoError(t, err)
	require.Equal(t, first.ID(), second.ID())
}

func TestMemClientResolvesChainAddressToInbox(t *testing.T) {
	client := NewMemClient("me")
	client.RegisterIdentity("peer-inbox", "0xABCDEF0123456789000000000000000000000001")
	ctx := context.Background()

	conv, err := client.CreateDirectConversation(ctx, "0xabcdef0123456789000000000000000000000001")
	require.NoError(t, err)
	require.Equal(t, "peer-inbox", conv.PeerInboxID())

	states, err := client.ResolveIdentities(ctx, []string{"peer-inbox", "unknown"})
	require.NoError(t, err)
	require.Len(t, states, 1)
	addr, ok := states[0].ChainAddress()
	require.True(t, ok)
	require.Equal(t, "0xABCDEF0123456789000000000000000000000001", addr)
}

func TestMemClientListFiltersConsent(t *testing.T) {
	client := NewMemClient("me")
	client.AddPeerConversation("friendly", ConsentAllowed)
	client.AddPeerConversation("stranger", ConsentPending)
	client.AddPeerConversation("spammer", ConsentBlocked)

	allowed, err := client.List(context.Background(), ListFilter{Consents: []ConsentState{ConsentAllowed}})
	require.NoError(t, err)
	require.Len(t, allowed, 1)
	require.Equal(t, "friendly", allowed[0].PeerInboxID())

	all, err := client.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestMemClientStreamsDeliverAndCancel(t *testing.T) {
	client := NewMemClient("me")
	ctx := context.Background()

	convSub, err := client.StreamConversations(ctx)
	require.NoError(t, err)
	msgSub, err := client.StreamAllMessages(ctx, ListFilter{Consents: []ConsentState{ConsentAllowed}})
	require.NoError(t, err)

	conv := client.AddPeerConversation("peer-1", ConsentAllowed)
	got := <-convSub.C()
	require.Equal(t, conv.ID(), got.ID())

	_, err = client.DeliverMessage(conv.ID(), "hello", time.Now())
	require.NoError(t, err)
	msg := <-msgSub.C()
	require.Equal(t, conv.ID(), msg.ConversationID)
	require.Equal(t, "peer-1", msg.SenderInboxID)

	msgSub.Cancel()
	msgSub.Cancel() // idempotent
	_, open := <-msgSub.C()
	require.False(t, open)

	// cancelled subscribers no longer receive
	_, err = client.DeliverMessage(conv.ID(), "after cancel", time.Now())
	require.NoError(t, err)

	convSub.Cancel()
}

func TestMemClientStreamSkipsFilteredConsent(t *testing.T) {
	client := NewMemClient("me")
	sub, err := client.StreamAllMessages(context.Background(), ListFilter{Consents: []ConsentState{ConsentAllowed}})
	require.NoError(t, err)
	defer sub.Cancel()

	blocked := client.AddPeerConversation("spammer", ConsentBlocked)
	_, err = client.DeliverMessage(blocked.ID(), "buy now", time.Now())
	require.NoError(t, err)

	select {
	case msg, ok := <-sub.C():
		require.False(t, ok, "unexpected delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemClientSendAssignsSortableIDs(t *testing.T) {
	client := NewMemClient("me")
	ctx := context.Background()

	conv, err := client.CreateDirectConversation(ctx, "peer-1")
	require.NoError(t, err)

	first, err := conv.Send(ctx, "one")
	require.NoError(t, err)
	second, err := conv.Send(ctx, "two")
	require.NoError(t, err)
	require.Equal(t, "me", first.SenderInboxID)
	require.Less(t, first.ID, second.ID)

	messages, err := conv.Messages(ctx, MessageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "one", messages[0].Content)

	newest, err := conv.Messages(ctx, MessageQuery{Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	require.Equal(t, "two", newest[0].Content)
}

func TestMemClientCloseEndsStreams(t *testing.T) {
	client := NewMemClient("me")
	sub, err := client.StreamConversations(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, open := <-sub.C()
	require.False(t, open)

	_, err = client.List(context.Background(), ListFilter{})
	require.ErrorIs(t, err, ErrClientClosed)
}
