package inbox

import (
	"context"
	"sync"

	"github.com/peermail/peermail/internal/logging"
	"github.com/peermail/peermail/internal/network"
)

// streamSet holds one generation of live subscriptions. A new generation is
// created on every OpenLiveStreams; cancelling a generation guarantees its
// callbacks stop mutating the store before CloseLiveStreams returns.
type streamSet struct {
	ctx     context.Context
	cancel  context.CancelFunc
	convSub network.Subscription[network.Conversation]
	msgSub  network.Subscription[network.Message]
	wg      sync.WaitGroup
}

// OpenLiveStreams opens the two live subscriptions: newly created direct
// conversations, and new messages across allowed conversations. Calling it
// while streams are already open is a no-op.
func (s *Store) OpenLiveStreams(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if s.streams != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)

	convSub, err := s.client.StreamConversations(streamCtx)
	if err != nil {
		cancel()
		return err
	}
	msgSub, err := s.client.StreamAllMessages(streamCtx, allowedDirect)
	if err != nil {
		convSub.Cancel()
		cancel()
		return err
	}

	set := &streamSet{
		ctx:     streamCtx,
		cancel:  cancel,
		convSub: convSub,
		msgSub:  msgSub,
	}

	s.mu.Lock()
	if s.closed || s.streams != nil {
		// Lost the race with a concurrent open or a teardown.
		s.mu.Unlock()
		convSub.Cancel()
		msgSub.Cancel()
		cancel()
		return nil
	}
	s.streams = set
	s.mu.Unlock()

	set.wg.Add(2)
	go s.consumeConversations(set)
	go s.consumeMessages(set)

	s.logger.Debug().Msg("live streams open")
	return nil
}

// CloseLiveStreams cancels both subscriptions and waits for their consumers
// to stop. Safe to call multiple times or when streams were never opened;
// after it returns, no stream callback will mutate the store.
func (s *Store) CloseLiveStreams() {
	s.mu.Lock()
	set := s.streams
	s.streams = nil
	s.mu.Unlock()

	if set == nil {
		return
	}

	set.cancel()
	set.convSub.Cancel()
	set.msgSub.Cancel()
	set.wg.Wait()

	s.logger.Debug().Msg("live streams closed")
}

func (s *Store) consumeConversations(set *streamSet) {
	defer set.wg.Done()
	for conv := range set.convSub.C() {
		if set.ctx.Err() != nil {
			return
		}
		s.ingestConversation(set.ctx, conv)
	}
}

func (s *Store) consumeMessages(set *streamSet) {
	defer set.wg.Done()
	for msg := range set.msgSub.C() {
		if set.ctx.Err() != nil {
			return
		}
		s.ingestMessage(set.ctx, msg)
	}
}

// ingestConversation runs a streamed conversation through the same upsert
// path the bulk load uses. Conversations outside the allowed consent scope
// are dropped, matching the bulk load filter.
func (s *Store) ingestConversation(ctx context.Context, conv network.Conversation) {
	logger := logging.WithConversation(s.logger, conv.ID())
	if conv.Consent() != network.ConsentAllowed {
		logger.Debug().
			Str("consent", string(conv.Consent())).
			Msg("skipping conversation outside allowed consent")
		return
	}
	record := Conversation{
		ID:          conv.ID(),
		PeerInboxID: conv.PeerInboxID(),
		CreatedAt:   conv.CreatedAt(),
	}
	if addr, err := s.ResolvePeerIdentity(ctx, conv.PeerInboxID()); err != nil {
		logger.Debug().Err(err).Str("peer_inbox_id", conv.PeerInboxID()).Msg("peer identity lookup failed")
	} else {
		record.PeerAddress = addr
	}

	s.trackHandle(conv)
	s.UpsertConversation(record)
}

// ingestMessage merges a streamed message. A message whose conversation is
// not yet known triggers an on-demand conversation fetch first, healing the
// case where a message outruns its conversation-creation event.
func (s *Store) ingestMessage(ctx context.Context, msg network.Message) {
	if _, known := s.Conversation(msg.ConversationID); !known {
		conv, err := s.client.ConversationByID(ctx, msg.ConversationID)
		if err != nil {
			convLogger := logging.WithConversation(s.logger, msg.ConversationID)
			convLogger.Warn().Err(err).
				Msg("conversation fetch for streamed message failed")
			// Insert a minimal record anyway; a later sighting fills it in.
			s.UpsertConversation(Conversation{ID: msg.ConversationID})
		} else if conv.Consent() != network.ConsentAllowed {
			return
		} else {
			s.ingestConversation(ctx, conv)
		}
	}

	s.AppendMessages(msg.ConversationID, msg)
	s.UpsertConversation(Conversation{ID: msg.ConversationID, LastMessage: &msg})

	if s.onStreamMessage != nil {
		if record, ok := s.Conversation(msg.ConversationID); ok {
			s.onStreamMessage(record, msg)
		}
	}
}
