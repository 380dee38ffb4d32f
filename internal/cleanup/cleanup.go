// Package cleanup implements the best-effort maintenance sweep: purging
// Authorization-Code checkpoints past their TTL and, when enabled,
// deleting revoked auth_connections, on a cron schedule.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/aionixone/openact/internal/store"
)

// Result summarizes a single sweep.
type Result struct {
	CheckpointsDeleted int64 `json:"checkpoints_deleted"`
	TokensPurged       int   `json:"tokens_purged"`
	DurationMS         int64 `json:"duration_ms"`
}

// Service runs one sweep per Run call. The sweep is best-effort: a failed
// token purge is logged and skipped, never retried within the same run.
type Service struct {
	store        *store.Store
	logger       *slog.Logger
	purgeRevoked bool
	purgeBatch   int
}

// NewService creates a cleanup service. purgeRevoked enables deleting
// revoked auth_connections in addition to the always-on checkpoint sweep.
func NewService(st *store.Store, logger *slog.Logger, purgeRevoked bool) *Service {
	return &Service{
		store:        st,
		logger:       logger,
		purgeRevoked: purgeRevoked,
		purgeBatch:   100,
	}
}

// Run performs one sweep and returns what it removed.
func (s *Service) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	result := Result{}

	deleted, err := s.store.SweepExpiredCheckpoints(ctx, time.Now().UTC())
	if err != nil {
		result.DurationMS = time.Since(start).Milliseconds()
		return result, err
	}
	result.CheckpointsDeleted = deleted

	if s.purgeRevoked {
		trns, err := s.store.ListRevokedAuthConnections(ctx, time.Now().UTC(), s.purgeBatch)
		if err != nil {
			result.DurationMS = time.Since(start).Milliseconds()
			return result, err
		}
		for _, trn := range trns {
			if err := s.store.DeleteAuthConnection(ctx, trn, "revoked token purge"); err != nil {
				s.logger.Warn("failed to purge revoked auth_connection", "trn", trn, "error", err)
				continue
			}
			result.TokensPurged++
		}
	}

	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}
