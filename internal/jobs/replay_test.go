package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetgraph/internal/config"
	"tweetgraph/internal/model"
	"tweetgraph/internal/upsert"
)

// recorder is an Applier that remembers which posts it saw.
type recorder struct {
	mu    sync.Mutex
	posts []string
}

func (r *recorder) Apply(ctx context.Context, plan model.Plan) (upsert.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, plan.PostID)
	return upsert.Result{Applied: true}, nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.posts...)
}

const line = `{"id":%d,"user":{"id":1},"text":"#go"}` + "\n"

func bucket(t *testing.T, dir, name string, mod time.Time, ids ...int) {
	t.Helper()
	var body []byte
	for _, id := range ids {
		body = append(body, []byte(fmt.Sprintf(line, id))...)
	}
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, body, 0o644))
	require.NoError(t, os.Chtimes(p, mod, mod))
}

func TestRunReplayOnceSkipsNewestAndUnchanged(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	bucket(t, dir, "tweets-6-1-10-00.jsonl", base, 1, 2)
	bucket(t, dir, "tweets-6-1-10-10.jsonl", base.Add(10*time.Minute), 3)
	bucket(t, dir, "tweets-6-1-10-20.jsonl", base.Add(20*time.Minute), 4)

	rec := &recorder{}
	cfg := config.SourceConfig{Dir: dir, Pattern: "*.jsonl", SkipNewest: true}
	r := NewReplay(cfg, 1, rec)
	ctx := context.Background()

	stats, err := r.RunReplayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Applied)
	assert.Equal(t, []string{"1", "2", "3"}, rec.seen())

	stats, err = r.RunReplayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Read)

	// a new bucket makes the previous newest eligible
	bucket(t, dir, "tweets-6-1-10-30.jsonl", base.Add(30*time.Minute), 5)
	// and an appended older bucket is reloaded
	bucket(t, dir, "tweets-6-1-10-10.jsonl", base.Add(25*time.Minute), 3, 6)
	stats, err = r.RunReplayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Applied)
	assert.ElementsMatch(t, []string{"1", "2", "3", "4", "3", "6"}, rec.seen())
	assert.Equal(t, 6, r.Tally().MostCommon(1)[0].Count)
}

func TestRunReplayLoopStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	bucket(t, dir, "a.jsonl", time.Now().Add(-time.Minute), 1)
	rec := &recorder{}
	r := NewReplay(config.SourceConfig{Dir: dir, Pattern: "*.jsonl"}, 1, rec)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := RunReplayLoop(ctx, r, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"1"}, rec.seen())
}
