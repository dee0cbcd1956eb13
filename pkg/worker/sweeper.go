package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/storage"
)

const sweepInterval = time.Hour

// SessionSweeper deletes expired sessions on a fixed cadence.
type SessionSweeper struct {
	store  storage.SessionStore
	logger zerolog.Logger
}

func NewSessionSweeper(store storage.SessionStore) *SessionSweeper {
	return &SessionSweeper{store: store, logger: log.WithComponent("session-sweeper")}
}

func (w *SessionSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		swept, err := w.store.DeleteExpiredSessions(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("session sweep failed")
			continue
		}
		if swept > 0 {
			w.logger.Info().Int64("swept", swept).Msg("expired sessions removed")
		}
	}
}
