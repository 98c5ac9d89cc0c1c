package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetgraph/internal/graphstore/sqlitegraph"
	"tweetgraph/internal/model"
	"tweetgraph/internal/source"
	"tweetgraph/internal/upsert"
)

// sliceSource replays records (or errors) in order.
type sliceSource struct {
	mu    sync.Mutex
	items []any
}

func newSliceSource(items ...any) *sliceSource {
	return &sliceSource{items: items}
}

func (s *sliceSource) Next(ctx context.Context) (source.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return source.Envelope{}, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	switch v := item.(type) {
	case error:
		return source.Envelope{}, v
	case model.Record:
		return source.Envelope{Record: v, Origin: fmt.Sprint(v["id"])}, nil
	}
	return source.Envelope{}, fmt.Errorf("bad item %T", item)
}

func (s *sliceSource) Close() error { return nil }

func openStore(t *testing.T) *sqlitegraph.DB {
	t.Helper()
	db, err := sqlitegraph.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newDriver(db *sqlitegraph.DB, src source.Source, workers int) *Driver {
	ex := upsert.New(db, upsert.Options{CounterRetries: 5, RetryInterval: time.Millisecond, UnitTimeout: 5 * time.Second})
	return New(src, ex, workers)
}

func userRec(id int64) map[string]any {
	return map[string]any{"id": id, "screen_name": fmt.Sprintf("u%d", id), "followers_count": int64(100 + id)}
}

func plainPost() model.Record {
	return model.Record{
		"id":   int64(1),
		"user": userRec(10),
		"text": "hello #test",
		"entities": map[string]any{
			"hashtags": []any{map[string]any{"text": "test", "indices": []any{6, 11}}},
		},
	}
}

func retweetOf(id, by int64, inner model.Record) model.Record {
	return model.Record{
		"id":               id,
		"user":             userRec(by),
		"text":             "RT",
		"retweeted_status": map[string]any(inner),
	}
}

func ref(label string, v any) model.NodeRef {
	key := model.KeyID
	if label == model.LabelHashtag {
		key = model.KeyText
	}
	return model.NodeRef{Label: label, Key: key, Value: v}
}

func TestPlainPostScenario(t *testing.T) {
	db := openStore(t)
	d := newDriver(db, nil, 1)
	ctx := context.Background()
	_, err := d.Process(ctx, plainPost())
	require.NoError(t, err)

	_, _, ok, err := db.NodeProps(ctx, ref(model.LabelUser, int64(10)))
	require.NoError(t, err)
	assert.True(t, ok)
	labels, props, ok, err := db.NodeProps(ctx, ref(model.LabelTweet, int64(1)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{model.LabelTweet}, labels)
	assert.Equal(t, "hello #test", props["text"])
	assert.NotContains(t, props, "user")
	assert.NotContains(t, props, "entities")

	_, ok, err = db.EdgeProps(ctx, model.RelAuthored, ref(model.LabelUser, int64(10)), ref(model.LabelTweet, int64(1)))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = db.EdgeProps(ctx, model.RelContains, ref(model.LabelTweet, int64(1)), ref(model.LabelHashtag, "test"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []TagCount{{Tag: "test", Count: 1}}, d.Tally().MostCommon(10))
}

func TestRetweetCounterScenario(t *testing.T) {
	db := openStore(t)
	d := newDriver(db, nil, 1)
	ctx := context.Background()

	orig := plainPost()
	_, err := d.Process(ctx, retweetOf(2, 20, orig))
	require.NoError(t, err)

	labels, _, ok, err := db.NodeProps(ctx, ref(model.LabelTweet, int64(2)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{model.LabelTweet, model.LabelRetweet}, labels)
	_, ok, err = db.EdgeProps(ctx, model.RelAuthored, ref(model.LabelUser, int64(20)), ref(model.LabelTweet, int64(2)))
	require.NoError(t, err)
	assert.True(t, ok)
	snap, ok, err := db.EdgeProps(ctx, model.RelRetweets, ref(model.LabelTweet, int64(2)), ref(model.LabelTweet, int64(1)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(110), snap["sourceFollowers"])

	agg, ok, err := db.EdgeProps(ctx, model.RelRetweets, ref(model.LabelUser, int64(20)), ref(model.LabelUser, int64(10)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), agg["count"])

	other := plainPost()
	other["id"] = int64(3)
	_, err = d.Process(ctx, retweetOf(4, 20, other))
	require.NoError(t, err)
	agg, _, err = db.EdgeProps(ctx, model.RelRetweets, ref(model.LabelUser, int64(20)), ref(model.LabelUser, int64(10)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg["count"])

	tags, _, err := db.EdgeProps(ctx, model.RelBroadcasts, ref(model.LabelUser, int64(10)), ref(model.LabelHashtag, "test"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), tags["count"])
}

func TestDeletionOnlyAddsEdge(t *testing.T) {
	db := openStore(t)
	d := newDriver(db, nil, 1)
	ctx := context.Background()
	_, err := d.Process(ctx, plainPost())
	require.NoError(t, err)
	nodesBefore, edgesBefore, err := db.Counts(ctx)
	require.NoError(t, err)
	_, propsBefore, _, err := db.NodeProps(ctx, ref(model.LabelTweet, int64(1)))
	require.NoError(t, err)

	_, err = d.Process(ctx, model.Record{"delete": map[string]any{
		"status":       map[string]any{"id": int64(1), "id_str": "1", "user_id": int64(10), "user_id_str": "10"},
		"timestamp_ms": "1590000000000",
	}})
	require.NoError(t, err)

	nodesAfter, edgesAfter, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodesBefore, nodesAfter)
	assert.Equal(t, edgesBefore+1, edgesAfter)
	_, propsAfter, _, err := db.NodeProps(ctx, ref(model.LabelTweet, int64(1)))
	require.NoError(t, err)
	assert.Equal(t, propsBefore, propsAfter)
	del, ok, err := db.EdgeProps(ctx, model.RelDeletes, ref(model.LabelUser, int64(10)), ref(model.LabelTweet, int64(1)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1590000000000", del["timestamp"])
}

func TestDeletionWithStringIDsKeepsNodeTypes(t *testing.T) {
	db := openStore(t)
	d := newDriver(db, nil, 1)
	ctx := context.Background()
	_, err := d.Process(ctx, plainPost())
	require.NoError(t, err)
	nodesBefore, _, err := db.Counts(ctx)
	require.NoError(t, err)
	_, tweetBefore, _, err := db.NodeProps(ctx, ref(model.LabelTweet, int64(1)))
	require.NoError(t, err)
	_, userBefore, _, err := db.NodeProps(ctx, ref(model.LabelUser, int64(10)))
	require.NoError(t, err)

	_, err = d.Process(ctx, model.Record{"delete": map[string]any{
		"status":       map[string]any{"id_str": "1", "user_id_str": "10"},
		"timestamp_ms": "1",
	}})
	require.NoError(t, err)

	nodesAfter, _, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodesBefore, nodesAfter)
	_, tweetAfter, _, err := db.NodeProps(ctx, ref(model.LabelTweet, int64(1)))
	require.NoError(t, err)
	assert.Equal(t, tweetBefore, tweetAfter)
	assert.Equal(t, int64(1), tweetAfter["id"])
	_, userAfter, _, err := db.NodeProps(ctx, ref(model.LabelUser, int64(10)))
	require.NoError(t, err)
	assert.Equal(t, userBefore, userAfter)
	assert.Equal(t, int64(10), userAfter["id"])
}

func TestRunIsIdempotentOnReplay(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	records := func() []any {
		return []any{plainPost(), retweetOf(2, 20, plainPost()), retweetOf(5, 30, plainPost())}
	}
	stats, err := newDriver(db, newSliceSource(records()...), 3).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Applied)
	nodes, edges, err := db.Counts(ctx)
	require.NoError(t, err)
	agg, _, err := db.EdgeProps(ctx, model.RelBroadcasts, ref(model.LabelUser, int64(10)), ref(model.LabelHashtag, "test"))
	require.NoError(t, err)

	stats, err = newDriver(db, newSliceSource(records()...), 3).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Applied)
	assert.Zero(t, stats.Increments)
	assert.Equal(t, 4, stats.Duplicates)
	nodes2, edges2, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodes, nodes2)
	assert.Equal(t, edges, edges2)
	agg2, _, err := db.EdgeProps(ctx, model.RelBroadcasts, ref(model.LabelUser, int64(10)), ref(model.LabelHashtag, "test"))
	require.NoError(t, err)
	assert.Equal(t, agg, agg2)
	assert.Equal(t, int64(2), agg2["count"])
}

func TestRunSkipsBadPostsAndKeepsGoing(t *testing.T) {
	db := openStore(t)
	src := newSliceSource(
		model.Record{"id": int64(9), "text": "no author"},
		&source.DecodeError{Origin: "f:2", Err: errors.New("bad json")},
		model.Record{"id": int64(8), "user": userRec(1), "text": "x", "weird": make(chan int)},
		plainPost(),
	)
	stats, err := newDriver(db, src, 2).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Read)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 2, stats.Structural)
	assert.Equal(t, 1, stats.Coercion)
	assert.NotEmpty(t, stats.RunID)
}

func TestRunStopsOnSourceFailure(t *testing.T) {
	db := openStore(t)
	boom := errors.New("disk gone")
	stats, err := newDriver(db, newSliceSource(plainPost(), boom, plainPost()), 1).Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, stats.Applied)
}

func TestConcurrentDistinctRetweetsCountExactly(t *testing.T) {
	db := openStore(t)
	const n = 25
	items := make([]any, 0, n)
	for i := 0; i < n; i++ {
		inner := plainPost()
		inner["id"] = int64(1000 + i)
		items = append(items, retweetOf(int64(5000+i), 20, inner))
	}
	stats, err := newDriver(db, newSliceSource(items...), 8).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, stats.Applied)
	assert.Zero(t, stats.CounterFailures)
	agg, _, err := db.EdgeProps(context.Background(), model.RelRetweets, ref(model.LabelUser, int64(20)), ref(model.LabelUser, int64(10)))
	require.NoError(t, err)
	assert.Equal(t, int64(n), agg["count"])
}

func TestTallyFallsBackToText(t *testing.T) {
	tally := NewTally()
	tally.AddPlan(model.Plan{Text: "#go #Go #go and #neo4j"})
	tally.AddPlan(model.Plan{Hashtags: []string{"go"}, Text: "#ignored"})
	assert.Equal(t, []TagCount{{Tag: "go", Count: 2}, {Tag: "Go", Count: 1}}, tally.MostCommon(2))
	assert.Len(t, tally.MostCommon(0), 3)
}
