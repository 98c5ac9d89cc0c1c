// Package pipeline drains a source into the graph, one unit of work per post.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tweetgraph/internal/build"
	"tweetgraph/internal/decompose"
	"tweetgraph/internal/logging"
	"tweetgraph/internal/metrics"
	"tweetgraph/internal/model"
	"tweetgraph/internal/source"
	"tweetgraph/internal/upsert"
	"tweetgraph/internal/util"
)

// Applier commits one plan. *upsert.Executor is the production implementation.
type Applier interface {
	Apply(ctx context.Context, plan model.Plan) (upsert.Result, error)
}

// Outcome labels used in stats, metrics and logs.
const (
	OutcomeOK         = "ok"
	OutcomeStructural = "structural"
	OutcomeCoercion   = "coercion"
	OutcomeStore      = "store"
	OutcomeError      = "error"
)

// Stats summarises one Run.
type Stats struct {
	RunID           string
	Read            int
	Applied         int
	Structural      int
	Coercion        int
	StoreFailures   int
	Failed          int
	Increments      int
	Duplicates      int
	CounterFailures int
	Elapsed         time.Duration
}

// Failures is every post that did not make it into the graph.
func (s Stats) Failures() int { return s.Structural + s.Coercion + s.StoreFailures + s.Failed }

type Driver struct {
	src     source.Source
	apply   Applier
	workers int
	tally   *Tally

	mu    sync.Mutex
	stats Stats
}

func New(src source.Source, apply Applier, workers int) *Driver {
	if workers < 1 {
		workers = 1
	}
	return &Driver{src: src, apply: apply, workers: workers, tally: NewTally()}
}

// Tally is the running hashtag count across every Run and Process call.
func (d *Driver) Tally() *Tally { return d.tally }

// ShareTally makes d count into t, so several drivers can feed one report.
func (d *Driver) ShareTally(t *Tally) *Driver {
	if t != nil {
		d.tally = t
	}
	return d
}

// Run reads until the source is exhausted. Bad posts are logged and counted, never fatal;
// a source error other than a per-record decode failure stops the run and is returned.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	d.mu.Lock()
	d.stats = Stats{RunID: uuid.NewString()}
	runID := d.stats.RunID
	d.mu.Unlock()
	logging.Info("run_start", map[string]any{"run_id": runID, "workers": d.workers})

	var g errgroup.Group
	g.SetLimit(d.workers)
	var runErr error
	for {
		env, err := d.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		var de *source.DecodeError
		if errors.As(err, &de) {
			d.count(func(s *Stats) { s.Read++; s.Structural++ })
			metrics.ObservePost("unknown", OutcomeStructural)
			logging.Error("post_failed", map[string]any{
				"run_id": runID, "origin": de.Origin, "outcome": OutcomeStructural,
				"error": de.Error(), "payload": string(de.Data),
			})
			continue
		}
		if err != nil {
			runErr = err
			break
		}
		d.count(func(s *Stats) { s.Read++ })
		g.Go(func() error {
			_, err := d.handle(ctx, runID, env)
			env.Done(err)
			return nil
		})
	}
	_ = g.Wait()

	d.mu.Lock()
	d.stats.Elapsed = time.Since(start)
	stats := d.stats
	d.mu.Unlock()
	logging.Info("run_done", map[string]any{
		"run_id": runID, "read": stats.Read, "applied": stats.Applied, "failures": stats.Failures(),
		"increments": stats.Increments, "elapsed": stats.Elapsed.String(),
	})
	return stats, runErr
}

// Process runs one record through decompose, build and apply synchronously.
func (d *Driver) Process(ctx context.Context, rec model.Record) (upsert.Result, error) {
	return d.handle(ctx, "", source.Envelope{Record: rec, Origin: "direct"})
}

func (d *Driver) handle(ctx context.Context, runID string, env source.Envelope) (upsert.Result, error) {
	shape, text := "unknown", ""
	res, err := func() (upsert.Result, error) {
		dec, err := decompose.Decompose(env.Record)
		if err != nil {
			return upsert.Result{}, err
		}
		shape = dec.Shape.String()
		plan, err := build.Build(dec)
		if err != nil {
			return upsert.Result{}, err
		}
		text = plan.Text
		res, err := d.apply.Apply(ctx, plan)
		if err != nil {
			return res, err
		}
		d.tally.AddPlan(plan)
		return res, nil
	}()

	outcome := classify(err)
	metrics.ObservePost(shape, outcome)
	d.count(func(s *Stats) {
		switch outcome {
		case OutcomeOK:
			s.Applied++
			s.Increments += res.Increments
			s.Duplicates += res.Duplicates
			s.CounterFailures += len(res.CounterFailures)
		case OutcomeStructural:
			s.Structural++
		case OutcomeCoercion:
			s.Coercion++
		case OutcomeStore:
			s.StoreFailures++
		default:
			s.Failed++
		}
	})
	if err != nil {
		logging.Error("post_failed", map[string]any{
			"run_id": runID, "origin": env.Origin, "shape": shape, "outcome": outcome,
			"error": err.Error(), "payload": env.Record.String(),
		})
		return res, fmt.Errorf("%s: %w", env.Origin, err)
	}
	logging.Debug("post_applied", map[string]any{
		"run_id": runID, "origin": env.Origin, "shape": shape, "increments": res.Increments,
		"text": util.Preview(text, 80),
	})
	return res, nil
}

func (d *Driver) count(f func(*Stats)) {
	d.mu.Lock()
	f(&d.stats)
	d.mu.Unlock()
}

func classify(err error) string {
	var se *model.StructuralError
	var ce *model.CoercionError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &se):
		return OutcomeStructural
	case errors.As(err, &ce):
		return OutcomeCoercion
	case errors.Is(err, model.ErrStoreUnavailable):
		return OutcomeStore
	}
	return OutcomeError
}

// hashtagsOf prefers the entity hashtags of the plan and falls back to scanning the text.
func hashtagsOf(plan model.Plan) []string {
	if len(plan.Hashtags) > 0 {
		return plan.Hashtags
	}
	return util.ExtractHashtags(plan.Text)
}
