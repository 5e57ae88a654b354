package messages

import (
	"context"

	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"go.uber.org/zap"
)

const subscriptionBuffer = 32

// Subscribe opens a restartable change stream for one conversation on behalf
// of a participant. Events arrive in strictly increasing sequence order with
// no duplicates: the subscription first replays everything after
// sinceSequence from the log, then forwards live events, re-fetching from the
// log whenever it detects a gap (for example after the fan-out bus dropped an
// event). The stream closes when the context is cancelled, the cancel
// function runs, or an unrecoverable query failure occurs; callers resume by
// subscribing again from the last sequence they observed.
func (s *Store) Subscribe(ctx context.Context, conversationID ident.ConversationID, requesterID ident.UserID, sinceSequence int64) (<-chan Event, func(), error) {
	if err := s.requireParticipant(ctx, conversationID, requesterID); err != nil {
		return nil, nil, err
	}

	live, cancelLive := s.bus.Subscribe(ctx, conversationID.String())

	backlog, err := s.ListSince(ctx, conversationID, sinceSequence)
	if err != nil {
		cancelLive()
		return nil, nil, err
	}

	out := make(chan Event, subscriptionBuffer)
	streamCtx, cancelStream := context.WithCancel(ctx)
	cancel := func() {
		cancelStream()
		cancelLive()
	}

	go s.runSubscription(streamCtx, conversationID, sinceSequence, backlog, live, out)
	return out, cancel, nil
}

func (s *Store) runSubscription(ctx context.Context, conversationID ident.ConversationID, sinceSequence int64, backlog []Message, live <-chan Event, out chan<- Event) {
	defer close(out)

	lastSequence := sinceSequence
	for _, record := range backlog {
		if !deliver(ctx, out, eventFor(record)) {
			return
		}
		lastSequence = record.Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-live:
			if !ok {
				return
			}
			sequence := event.Message.Sequence
			switch {
			case sequence <= lastSequence:
				// replay of an already delivered slot: creates are
				// duplicates, deletes and status flips are new state.
				if event.Kind != EventKindCreated {
					if !deliver(ctx, out, event) {
						return
					}
				}
			case sequence == lastSequence+1 && event.Kind == EventKindCreated:
				if !deliver(ctx, out, event) {
					return
				}
				lastSequence = sequence
			default:
				// gap: the bus dropped at least one event, re-read the
				// missing range before resuming live delivery.
				missing, err := s.ListSince(ctx, conversationID, lastSequence)
				if err != nil {
					s.logError(opListSince, "gap_refetch_failed", err,
						zap.String("conversation_id", conversationID.String()),
						zap.Int64("since_sequence", lastSequence))
					return
				}
				for _, record := range missing {
					if !deliver(ctx, out, eventFor(record)) {
						return
					}
					lastSequence = record.Sequence
				}
			}
		}
	}
}

func eventFor(record Message) Event {
	if record.IsDeleted {
		return Event{Kind: EventKindDeleted, Message: record}
	}
	return Event{Kind: EventKindCreated, Message: record}
}

func deliver(ctx context.Context, out chan<- Event, event Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
