package pipeline

import (
	"sort"
	"sync"

	"tweetgraph/internal/model"
)

// TagCount is one hashtag and how many posts carried it.
type TagCount struct {
	Tag   string
	Count int
}

// Tally counts hashtags across processed posts. Safe for concurrent use.
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewTally() *Tally { return &Tally{counts: map[string]int{}} }

// AddPlan counts each hashtag a post touched once.
func (t *Tally) AddPlan(plan model.Plan) { t.Add(hashtagsOf(plan)...) }

func (t *Tally) Add(tags ...string) {
	if len(tags) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(tags))
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tag := range tags {
		if _, dup := seen[tag]; dup || tag == "" {
			continue
		}
		seen[tag] = struct{}{}
		t.counts[tag]++
	}
}

// MostCommon returns the n most frequent hashtags, ties broken alphabetically.
// n <= 0 returns all of them.
func (t *Tally) MostCommon(n int) []TagCount {
	t.mu.Lock()
	out := make([]TagCount, 0, len(t.counts))
	for tag, c := range t.counts {
		out = append(out, TagCount{Tag: tag, Count: c})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
