// Package report reads summaries back out of the graph: hashtag popularity, who retweets whom,
// and post volume per hour.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"tweetgraph/internal/graphstore"
	"tweetgraph/internal/model"
)

type HashtagCount struct {
	Tag   string
	Posts int64
}

type RetweetPair struct {
	Retweeter string
	Author    string
	Count     int64
}

// queries per store dialect
var queries = map[string]struct{ hashtags, pairs, posts string }{
	graphstore.DialectSQLite: {
		hashtags: `SELECT dst_key AS tag, COUNT(*) AS posts FROM edges
			WHERE type = 'CONTAINS' AND dst_label = 'Hashtag'
			GROUP BY dst_key ORDER BY posts DESC, tag ASC LIMIT :limit`,
		pairs: `SELECT src_key AS retweeter, dst_key AS author, CAST(json_extract(props, '$.count') AS INTEGER) AS count
			FROM edges WHERE type = 'RETWEETS' AND src_label = 'User' AND dst_label = 'User'
			ORDER BY count DESC, retweeter ASC, author ASC LIMIT :limit`,
		posts: `SELECT json_extract(props, '$.timestamp_ms') AS ts, json_extract(props, '$.created_at') AS created
			FROM nodes WHERE label = 'Tweet'`,
	},
	graphstore.DialectCypher: {
		hashtags: `MATCH (:Tweet)-[:CONTAINS]->(h:Hashtag)
			RETURN h.text AS tag, count(*) AS posts ORDER BY posts DESC, tag ASC LIMIT $limit`,
		pairs: `MATCH (a:User)-[r:RETWEETS]->(b:User)
			RETURN toString(a.id) AS retweeter, toString(b.id) AS author, r.count AS count
			ORDER BY count DESC, retweeter ASC, author ASC LIMIT $limit`,
		posts: `MATCH (t:Tweet) RETURN t.timestamp_ms AS ts, t.created_at AS created`,
	},
}

func queriesFor(store graphstore.Store) (struct{ hashtags, pairs, posts string }, error) {
	q, ok := queries[store.Dialect()]
	if !ok {
		return q, fmt.Errorf("report: unsupported dialect %q", store.Dialect())
	}
	return q, nil
}

// TopHashtags ranks hashtags by how many posts contain them.
func TopHashtags(ctx context.Context, store graphstore.Store, limit int) ([]HashtagCount, error) {
	q, err := queriesFor(store)
	if err != nil {
		return nil, err
	}
	rows, err := store.Query(ctx, q.hashtags, map[string]any{"limit": int64(limit)})
	if err != nil {
		return nil, err
	}
	out := make([]HashtagCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, HashtagCount{Tag: r.Str("tag"), Posts: r.Int("posts")})
	}
	return out, nil
}

// TopRetweetPairs ranks user pairs by their aggregate RETWEETS count.
func TopRetweetPairs(ctx context.Context, store graphstore.Store, limit int) ([]RetweetPair, error) {
	q, err := queriesFor(store)
	if err != nil {
		return nil, err
	}
	rows, err := store.Query(ctx, q.pairs, map[string]any{"limit": int64(limit)})
	if err != nil {
		return nil, err
	}
	out := make([]RetweetPair, 0, len(rows))
	for _, r := range rows {
		out = append(out, RetweetPair{Retweeter: r.Str("retweeter"), Author: r.Str("author"), Count: r.Int("count")})
	}
	return out, nil
}

// PostTimes returns when each stored post was written, skipping posts with no usable timestamp.
func PostTimes(ctx context.Context, store graphstore.Store) ([]time.Time, error) {
	q, err := queriesFor(store)
	if err != nil {
		return nil, err
	}
	rows, err := store.Query(ctx, q.posts, nil)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		if t, ok := postTime(r); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func postTime(r graphstore.Row) (time.Time, bool) {
	if ms, err := strconv.ParseInt(r.Str("ts"), 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), true
	}
	if s := r.Str("created"); s != "" {
		if t, err := time.Parse(time.RubyDate, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// HourlyVolume aggregates post times into per-hour buckets.
func HourlyVolume(times []time.Time) map[time.Time]int {
	buckets := make(map[time.Time]int)
	for _, t := range times {
		t = t.UTC()
		key := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
		buckets[key]++
	}
	return buckets
}

// SortedBucketKeys returns sorted hour keys.
func SortedBucketKeys(m map[time.Time]int) []time.Time {
	keys := make([]time.Time, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}

// ErrNoInspector is returned by lookups against a store that cannot read elements by key.
var ErrNoInspector = errors.New("report: store does not support lookups")

// Post is one stored post with its author.
type Post struct {
	ID     int64
	Labels []string
	Props  map[string]any
	Author map[string]any
}

// LookupPost reads a post node and the user who authored it. ok is false when the post is not stored.
func LookupPost(ctx context.Context, store graphstore.Store, id int64) (p Post, ok bool, err error) {
	in, isInspector := store.(graphstore.Inspector)
	if !isInspector {
		return p, false, ErrNoInspector
	}
	ref := model.NodeRef{Label: model.LabelTweet, Key: model.KeyID, Value: id}
	p.ID = id
	p.Labels, p.Props, ok, err = in.NodeProps(ctx, ref)
	if err != nil || !ok {
		return p, false, err
	}
	// the author is the source of the post's AUTHORED edge
	if uid, found := authorID(ctx, store, id); found {
		_, p.Author, _, err = in.NodeProps(ctx, model.NodeRef{Label: model.LabelUser, Key: model.KeyID, Value: uid})
	}
	return p, true, err
}

var authorQueries = map[string]string{
	graphstore.DialectSQLite: `SELECT src_key AS author FROM edges
		WHERE type = 'AUTHORED' AND src_label = 'User' AND dst_label = 'Tweet' AND dst_key = :id LIMIT 1`,
	graphstore.DialectCypher: `MATCH (u:User)-[:AUTHORED]->(:Tweet {id: $id}) RETURN toString(u.id) AS author LIMIT 1`,
}

func authorID(ctx context.Context, store graphstore.Store, id int64) (int64, bool) {
	q, ok := authorQueries[store.Dialect()]
	if !ok {
		return 0, false
	}
	rows, err := store.Query(ctx, q, map[string]any{"id": id})
	if err != nil || len(rows) == 0 {
		return 0, false
	}
	uid, err := strconv.ParseInt(rows[0].Str("author"), 10, 64)
	return uid, err == nil
}

// PairCount returns how many times retweeter has retweeted author.
func PairCount(ctx context.Context, store graphstore.Store, retweeter, author int64) (int64, error) {
	in, ok := store.(graphstore.Inspector)
	if !ok {
		return 0, ErrNoInspector
	}
	props, found, err := in.EdgeProps(ctx, model.RelRetweets,
		model.NodeRef{Label: model.LabelUser, Key: model.KeyID, Value: retweeter},
		model.NodeRef{Label: model.LabelUser, Key: model.KeyID, Value: author})
	if err != nil || !found {
		return 0, err
	}
	return graphstore.Row(props).Int("count"), nil
}

// Summary is everything `report` prints.
type Summary struct {
	Nodes    int64
	Edges    int64
	Hashtags []HashtagCount
	Pairs    []RetweetPair
	Hourly   map[time.Time]int
}

// Build runs every report query against store. Totals are filled in when the store is an Inspector.
func Build(ctx context.Context, store graphstore.Store, limit int) (Summary, error) {
	var s Summary
	var err error
	if in, ok := store.(graphstore.Inspector); ok {
		if s.Nodes, s.Edges, err = in.Counts(ctx); err != nil {
			return s, fmt.Errorf("totals: %w", err)
		}
	}
	if s.Hashtags, err = TopHashtags(ctx, store, limit); err != nil {
		return s, fmt.Errorf("top hashtags: %w", err)
	}
	if s.Pairs, err = TopRetweetPairs(ctx, store, limit); err != nil {
		return s, fmt.Errorf("top retweet pairs: %w", err)
	}
	times, err := PostTimes(ctx, store)
	if err != nil {
		return s, fmt.Errorf("post times: %w", err)
	}
	s.Hourly = HourlyVolume(times)
	return s, nil
}

// Print writes s as plain text.
func Print(w io.Writer, s Summary) {
	if s.Nodes > 0 || s.Edges > 0 {
		fmt.Fprintf(w, "Graph: %d nodes, %d relationships\n", s.Nodes, s.Edges)
	}
	fmt.Fprintln(w, "Top hashtags:")
	for i, h := range s.Hashtags {
		fmt.Fprintf(w, "  %2d. #%s (%d posts)\n", i+1, h.Tag, h.Posts)
	}
	fmt.Fprintln(w, "Top retweet pairs:")
	for i, p := range s.Pairs {
		fmt.Fprintf(w, "  %2d. %s -> %s x%d\n", i+1, p.Retweeter, p.Author, p.Count)
	}
	fmt.Fprintln(w, "Posts per hour (UTC):")
	for _, k := range SortedBucketKeys(s.Hourly) {
		fmt.Fprintf(w, "  %s  %d\n", k.Format("2006-01-02 15:00"), s.Hourly[k])
	}
}

// PrintPost writes p as plain text, properties in key order.
func PrintPost(w io.Writer, p Post) {
	fmt.Fprintf(w, "Post %d %v\n", p.ID, p.Labels)
	printProps(w, p.Props)
	if p.Author != nil {
		fmt.Fprintln(w, "Author:")
		printProps(w, p.Author)
	}
}

func printProps(w io.Writer, props map[string]any) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", k, props[k])
	}
}
