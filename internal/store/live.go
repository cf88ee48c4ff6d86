package store

import (
	"context"

	"github.com/rs/zerolog/log"

	"lucasmed.com/chat-engine/internal/metrics"
)

// SubscribeHead delivers the newest limit messages of conversationID now and
// again after every change, always as a full recomputed page. The channel is
// closed once ctx is done. A failed recompute is delivered as a Snapshot with
// Err set; the subscription stays open.
func (s *SQLiteStore) SubscribeHead(ctx context.Context, conversationID string, limit int) (<-chan Snapshot, error) {
	if limit <= 0 || limit > MaxPageSize {
		return nil, ErrBadLimit
	}

	// Register before the first read so no change between the two is missed.
	signals, stop := s.notifier.Listen(conversationID)
	out := make(chan Snapshot, 1)

	metrics.LiveSubscriptions.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer metrics.LiveSubscriptions.Dec()
		defer close(out)
		defer stop()

		for {
			snap := s.head(ctx, conversationID, limit)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}

			select {
			case <-signals:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *SQLiteStore) head(ctx context.Context, conversationID string, limit int) Snapshot {
	page, err := s.Page(ctx, conversationID, nil, limit)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("conversation", conversationID).Msg("live tail recompute failed")
		}
		return Snapshot{Err: err}
	}
	return Snapshot{Items: page.Items, HasMore: page.NextCursor != nil}
}
