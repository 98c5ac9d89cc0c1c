package jobs

import (
	"context"
	"time"

	"tweetgraph/internal/config"
	"tweetgraph/internal/logging"
	"tweetgraph/internal/pipeline"
	"tweetgraph/internal/source"
)

// Replay loads bucket files from a directory into the graph. It remembers each file's size and
// modification time so a later pass only reloads files that changed.
type Replay struct {
	cfg     config.SourceConfig
	workers int
	apply   pipeline.Applier
	tally   *pipeline.Tally
	seen    map[string]source.BucketFile
}

func NewReplay(cfg config.SourceConfig, workers int, apply pipeline.Applier) *Replay {
	return &Replay{cfg: cfg, workers: workers, apply: apply, tally: pipeline.NewTally(), seen: map[string]source.BucketFile{}}
}

// Tally accumulates hashtags over every pass.
func (r *Replay) Tally() *pipeline.Tally { return r.tally }

// RunReplayOnce loads every new or changed bucket, oldest first, and returns the combined stats.
func (r *Replay) RunReplayOnce(ctx context.Context) (pipeline.Stats, error) {
	files, err := source.StatBuckets(r.cfg.Dir, r.cfg.Pattern, r.cfg.SkipNewest)
	if err != nil {
		return pipeline.Stats{}, err
	}
	var pending []source.BucketFile
	for _, f := range files {
		if prev, ok := r.seen[f.Path]; ok && prev.Size == f.Size && prev.ModTime.Equal(f.ModTime) {
			continue
		}
		pending = append(pending, f)
	}
	if len(pending) == 0 {
		logging.Info("replay_nothing_new", map[string]any{"dir": r.cfg.Dir})
		return pipeline.Stats{}, nil
	}
	paths := make([]string, len(pending))
	for i, f := range pending {
		paths[i] = f.Path
	}
	src := source.OpenFiles(paths...)
	defer src.Close()
	stats, err := pipeline.New(src, r.apply, r.workers).ShareTally(r.tally).Run(ctx)
	if err != nil {
		return stats, err
	}
	for _, f := range pending {
		r.seen[f.Path] = f
	}
	logging.Info("replay_once", map[string]any{"files": len(pending), "applied": stats.Applied, "failures": stats.Failures()})
	return stats, nil
}

// RunReplayLoop runs RunReplayOnce on a ticker until ctx is cancelled.
func RunReplayLoop(ctx context.Context, r *Replay, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	// run immediately
	if _, err := r.RunReplayOnce(ctx); err != nil {
		logging.Error("replay_once_error", map[string]any{"error": err.Error()})
	}
	for {
		select {
		case <-ctx.Done():
			logging.Info("replay_loop_stop", nil)
			return ctx.Err()
		case <-t.C:
			if _, err := r.RunReplayOnce(ctx); err != nil {
				logging.Error("replay_once_error", map[string]any{"error": err.Error()})
			}
		}
	}
}
