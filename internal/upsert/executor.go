// Package upsert applies a build plan to a graph store: one atomic unit of work per post,
// followed by the post's aggregate counter increments.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"tweetgraph/internal/graphstore"
	"tweetgraph/internal/logging"
	"tweetgraph/internal/metrics"
	"tweetgraph/internal/model"
)

// Options tune an Executor. Zero values fall back to the defaults below, except UnitTimeout:
// zero leaves a unit of work bounded only by the caller's context.
type Options struct {
	UnitTimeout time.Duration
	// conflict retries for a unit of work and for each increment; negative disables retry
	CounterRetries int
	// consecutive unavailable-store failures before the breaker opens
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// first retry delay for conflicts
	RetryInterval time.Duration
}

const (
	defaultCounterRetries  = 5
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
	defaultRetryInterval   = 20 * time.Millisecond
)

// Result describes what Apply did for one plan.
type Result struct {
	Applied         bool
	Increments      int
	Duplicates      int
	CounterFailures []*model.CounterRaceError
}

type Executor struct {
	store   graphstore.Store
	breaker *gobreaker.CircuitBreaker[any]
	opts    Options
}

func New(store graphstore.Store, opts Options) *Executor {
	switch {
	case opts.CounterRetries == 0:
		opts.CounterRetries = defaultCounterRetries
	case opts.CounterRetries < 0:
		opts.CounterRetries = 0
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = defaultBreakerFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	threshold := opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "graph-store",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// bad posts are not the store's fault
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, model.ErrStoreUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("breaker_state", map[string]any{"breaker": name, "from": from.String(), "to": to.String()})
			metrics.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	})
	return &Executor{store: store, breaker: cb, opts: opts}
}

// Apply commits plan in one unit of work, then applies its increments. A failed unit of work is
// rolled back and returned as *model.UnitOfWorkError. Increments that keep conflicting are
// reported in Result.CounterFailures and do not fail the post.
func (e *Executor) Apply(ctx context.Context, plan model.Plan) (Result, error) {
	start := time.Now()
	_, err := e.breaker.Execute(func() (any, error) {
		err := e.retry(ctx, func() error { return e.commit(ctx, plan) })
		if errors.Is(err, model.ErrConflict) {
			err = fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}
		return nil, err
	})
	metrics.ObserveUnit(start)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}
		return Result{}, &model.UnitOfWorkError{PostID: plan.PostID, Payload: plan.Raw, Err: err}
	}
	res := Result{Applied: true}
	if plan.Shape == model.Deletion {
		return res, nil
	}
	for _, inc := range plan.Increments {
		applied, err := e.increment(ctx, inc)
		switch {
		case err != nil:
			var race *model.CounterRaceError
			if !errors.As(err, &race) {
				race = &model.CounterRaceError{Increment: inc, Attempts: 1, Err: err}
			}
			metrics.ObserveIncrement(inc.Type, "failed")
			logging.Error("counter_increment_failed", map[string]any{
				"post_id": plan.PostID, "type": inc.Type, "from": inc.From.String(), "to": inc.To.String(),
				"attempts": race.Attempts, "error": race.Error(),
			})
			res.CounterFailures = append(res.CounterFailures, race)
		case applied:
			metrics.ObserveIncrement(inc.Type, "applied")
			res.Increments++
		default:
			metrics.ObserveIncrement(inc.Type, "duplicate")
			res.Duplicates++
		}
	}
	return res, nil
}

func (e *Executor) commit(ctx context.Context, plan model.Plan) (err error) {
	if e.opts.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.UnitTimeout)
		defer cancel()
	}
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return storeError(ctx, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				logging.Warn("rollback_failed", map[string]any{"post_id": plan.PostID, "error": rbErr.Error()})
			}
		}
	}()
	for _, n := range plan.Nodes {
		if err := tx.MergeNode(ctx, n); err != nil {
			return storeError(ctx, fmt.Errorf("merge node %s: %w", n.Ref(), err))
		}
	}
	for _, r := range plan.Rels {
		if err := tx.MergeRel(ctx, r); err != nil {
			return storeError(ctx, fmt.Errorf("merge %s %s->%s: %w", r.Type, r.From, r.To, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storeError(ctx, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (e *Executor) increment(ctx context.Context, inc model.Increment) (bool, error) {
	var applied bool
	attempts := 0
	err := e.retry(ctx, func() error {
		attempts++
		_, ok, err := e.store.Increment(ctx, inc)
		applied = ok
		return err
	})
	if err != nil {
		return false, &model.CounterRaceError{Increment: inc, Attempts: attempts, Err: err}
	}
	return applied, nil
}

// retry reruns op while the store reports a write conflict. Every other error is final.
func (e *Executor) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.RetryInterval
	b.MaxInterval = 50 * e.opts.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.opts.CounterRetries)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, model.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// storeError tags failures that are not about the post itself as model.ErrStoreUnavailable.
func storeError(ctx context.Context, err error) error {
	var ce *model.CoercionError
	switch {
	case errors.As(err, &ce), errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrStoreUnavailable):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v: %v", model.ErrStoreUnavailable, ctx.Err(), err)
	}
	return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
}
