package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetgraph/internal/graphstore"
	"tweetgraph/internal/graphstore/sqlitegraph"
	"tweetgraph/internal/model"
	"tweetgraph/internal/pipeline"
	"tweetgraph/internal/upsert"
)

func post(id, user int64, ts string, tags ...string) model.Record {
	hs := make([]any, 0, len(tags))
	for _, t := range tags {
		hs = append(hs, map[string]any{"text": t})
	}
	return model.Record{
		"id":           id,
		"timestamp_ms": ts,
		"user":         map[string]any{"id": user},
		"entities":     map[string]any{"hashtags": hs},
	}
}

func seed(t *testing.T) *sqlitegraph.DB {
	t.Helper()
	db, err := sqlitegraph.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	d := pipeline.New(nil, upsert.New(db, upsert.Options{CounterRetries: 1}), 1)
	ctx := context.Background()
	recs := []model.Record{
		post(1, 10, "1590000000000", "go", "neo4j"),
		post(2, 11, "1590000060000", "go"),
		{"id": int64(3), "timestamp_ms": "1590003600000", "user": map[string]any{"id": int64(20)},
			"retweeted_status": map[string]any(post(1, 10, "1590000000000", "go", "neo4j"))},
		{"id": int64(4), "timestamp_ms": "1590003700000", "user": map[string]any{"id": int64(20)},
			"retweeted_status": map[string]any(post(2, 11, "1590000060000", "go"))},
		{"id": int64(5), "timestamp_ms": "1590003800000", "user": map[string]any{"id": int64(21)},
			"retweeted_status": map[string]any(post(1, 10, "1590000000000", "go", "neo4j"))},
	}
	for _, r := range recs {
		_, err := d.Process(ctx, r)
		require.NoError(t, err)
	}
	return db
}

func TestTopHashtags(t *testing.T) {
	db := seed(t)
	got, err := TopHashtags(context.Background(), db, 10)
	require.NoError(t, err)
	assert.Equal(t, []HashtagCount{{Tag: "go", Posts: 2}, {Tag: "neo4j", Posts: 1}}, got)
}

func TestTopRetweetPairs(t *testing.T) {
	db := seed(t)
	got, err := TopRetweetPairs(context.Background(), db, 2)
	require.NoError(t, err)
	assert.Equal(t, []RetweetPair{
		{Retweeter: "20", Author: "10", Count: 1},
		{Retweeter: "20", Author: "11", Count: 1},
	}, got)
}

func TestHourlyVolumeAndPrint(t *testing.T) {
	db := seed(t)
	s, err := Build(context.Background(), db, 5)
	require.NoError(t, err)
	h0 := time.Date(2020, time.May, 20, 18, 0, 0, 0, time.UTC)
	assert.Equal(t, map[time.Time]int{h0: 2, h0.Add(time.Hour): 3}, s.Hourly)

	var buf bytes.Buffer
	Print(&buf, s)
	assert.Contains(t, buf.String(), "#go (2 posts)")
	assert.Contains(t, buf.String(), "2020-05-20 19:00  3")
}

func TestPostTimeFallsBackToCreatedAt(t *testing.T) {
	ts, ok := postTime(graphstore.Row{"created": "Wed Oct 10 20:19:24 +0000 2018"})
	require.True(t, ok)
	assert.Equal(t, time.Date(2018, time.October, 10, 20, 19, 24, 0, time.UTC), ts)
	_, ok = postTime(graphstore.Row{})
	assert.False(t, ok)
}

type otherDialect struct{ graphstore.Store }

func (otherDialect) Dialect() string { return "gremlin" }

func TestUnsupportedDialect(t *testing.T) {
	_, err := TopHashtags(context.Background(), otherDialect{}, 1)
	assert.Error(t, err)
}

func TestBuildIncludesTotals(t *testing.T) {
	db := seed(t)
	s, err := Build(context.Background(), db, 10)
	require.NoError(t, err)
	nodes, edges, err := db.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nodes, s.Nodes)
	assert.Equal(t, edges, s.Edges)
	// users 10 11 20 21, tweets 1-5, hashtags go neo4j
	assert.Equal(t, int64(11), s.Nodes)

	var buf bytes.Buffer
	Print(&buf, s)
	assert.Contains(t, buf.String(), "Graph: 11 nodes")
}

func TestLookupPost(t *testing.T) {
	db := seed(t)
	ctx := context.Background()
	p, ok, err := LookupPost(ctx, db, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{model.LabelTweet, model.LabelRetweet}, p.Labels)
	assert.Equal(t, int64(3), p.Props["id"])
	require.NotNil(t, p.Author)
	assert.Equal(t, int64(20), p.Author["id"])

	var buf bytes.Buffer
	PrintPost(&buf, p)
	assert.Contains(t, buf.String(), "Post 3 [Tweet Retweet]")
	assert.Contains(t, buf.String(), "Author:")

	_, ok, err = LookupPost(ctx, db, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPairCount(t *testing.T) {
	db := seed(t)
	ctx := context.Background()
	n, err := PairCount(ctx, db, 20, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = PairCount(ctx, db, 10, 20)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = PairCount(ctx, otherDialect{}, 20, 10)
	assert.ErrorIs(t, err, ErrNoInspector)
}
