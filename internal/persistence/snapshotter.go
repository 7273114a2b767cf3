package persistence

import (
	"context"
	"errors"
	"time"

	"OptionVault/internal/core"
	"OptionVault/internal/observability"

	"github.com/rs/zerolog"
)

// ErrNothingToSnapshot is returned by Take before the first applied command.
var ErrNothingToSnapshot = errors.New("no applied commands to snapshot")

const defaultSnapshotCheck = 10 * time.Second

// EngineQuerier runs fn on the engine goroutine. core.Dispatcher implements it.
type EngineQuerier interface {
	Query(ctx context.Context, fn func(v *core.VaultEngine) error) error
}

// SnapshotSaver is implemented by SnapshotManager.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error)
}

// Snapshotter captures engine state every interval applied commands.
type Snapshotter struct {
	engine     EngineQuerier
	saver      SnapshotSaver
	interval   int64
	checkEvery time.Duration
	lastSeq    int64
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// NewSnapshotter creates a snapshotter. An interval of 0 disables the
// periodic loop; Take still works.
func NewSnapshotter(engine EngineQuerier, saver SnapshotSaver, interval int64, metrics *observability.Metrics) *Snapshotter {
	return &Snapshotter{
		engine:     engine,
		saver:      saver,
		interval:   interval,
		checkEvery: defaultSnapshotCheck,
		lastSeq:    -1,
		metrics:    metrics,
		logger:     observability.NewLogger("snapshotter"),
	}
}

// Take captures and saves the current engine state.
func (s *Snapshotter) Take(ctx context.Context) (*core.SnapshotState, error) {
	start := time.Now()

	var snap *core.SnapshotState
	if err := s.engine.Query(ctx, func(v *core.VaultEngine) error {
		snap = v.CreateSnapshotState()
		return nil
	}); err != nil {
		return nil, err
	}
	if snap.Sequence < 0 {
		return nil, ErrNothingToSnapshot
	}

	size, err := s.saver.SaveSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	s.lastSeq = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("size_bytes", size).
		Dur("duration", time.Since(start)).
		Msg("snapshot saved")
	return snap, nil
}

// Run checks the engine position periodically and snapshots once interval
// commands were applied since the last snapshot.
func (s *Snapshotter) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.maybeTake(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

func (s *Snapshotter) maybeTake(ctx context.Context) error {
	var seq int64
	if err := s.engine.Query(ctx, func(v *core.VaultEngine) error {
		seq = v.GetSequence() - 1
		return nil
	}); err != nil {
		return err
	}
	if seq-s.lastSeq < s.interval {
		return nil
	}
	_, err := s.Take(ctx)
	return err
}
