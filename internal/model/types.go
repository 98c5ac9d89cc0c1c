package model

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Record is a raw post object as delivered by the stream or read from a bucket file.
// Numbers are kept as json.Number so 64-bit ids are not rounded.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Map returns the nested object under key, if any.
func (r Record) Map(key string) (Record, bool) {
	switch v := r[key].(type) {
	case Record:
		return v, true
	case map[string]any:
		return Record(v), true
	}
	return nil, false
}

// String renders the record as JSON for logs.
func (r Record) String() string {
	b, err := json.Marshal(map[string]any(r))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(r))
	}
	return string(b)
}

// Shape tells which combination of wrapping a post uses.
type Shape int

const (
	Plain Shape = iota
	Retweeted
	Quoted
	RetweetedAndQuoted
	Deletion
)

func (s Shape) String() string {
	switch s {
	case Plain:
		return "plain"
	case Retweeted:
		return "retweet"
	case Quoted:
		return "quote"
	case RetweetedAndQuoted:
		return "retweet_quote"
	case Deletion:
		return "deletion"
	}
	return "unknown"
}

// SubPost is one flat post body with its author and entity bag split off.
type SubPost struct {
	Post     Record
	Author   Record
	Entities Record
}

// DeletionNotice is the degenerate post shape announcing that a post was removed.
type DeletionNotice struct {
	PostID    any
	UserID    any
	Timestamp any
	Status    Record
}

// Decomposition is the tagged breakdown of one raw post.
type Decomposition struct {
	Shape     Shape
	Main      SubPost
	Retweeted *SubPost
	Quoted    *SubPost
	Deletion  *DeletionNotice
	Raw       Record
}

// Category groups entity descriptors by the node label they merge into.
type Category string

const (
	CategoryHashtag Category = "Hashtag"
	CategoryMention Category = "User"
	CategoryURL     Category = "Url"
	CategoryMedia   Category = "Media"
)

// Node labels and primary keys.
const (
	LabelUser    = "User"
	LabelTweet   = "Tweet"
	LabelRetweet = "Retweet"
	LabelQtweet  = "Qtweet"
	LabelHashtag = "Hashtag"
	LabelURL     = "Url"
	LabelMedia   = "Media"

	KeyID          = "id"
	KeyText        = "text"
	KeyExpandedURL = "expanded_url"
)

// Relationship types.
const (
	RelAuthored   = "AUTHORED"
	RelRetweets   = "RETWEETS"
	RelQuotes     = "QUOTES"
	RelContains   = "CONTAINS"
	RelBroadcasts = "BROADCASTS"
	RelDeletes    = "DELETES"
)

// Node describes a node to merge by (Labels[0], Key, Props[Key]).
// Props only hold int64, float64 or string values.
type Node struct {
	Labels []string
	Key    string
	Props  map[string]any
}

// PrimaryLabel is the label the node is keyed under.
func (n Node) PrimaryLabel() string {
	if len(n.Labels) == 0 {
		return ""
	}
	return n.Labels[0]
}

// Ref returns the handle other descriptors use to point at n.
func (n Node) Ref() NodeRef {
	return NodeRef{Label: n.PrimaryLabel(), Key: n.Key, Value: n.Props[n.Key]}
}

// NodeRef identifies a node by label and key value.
type NodeRef struct {
	Label string
	Key   string
	Value any
}

// KeyString renders the key value in canonical form so 10 and "10" address the same node.
func (r NodeRef) KeyString() string { return KeyString(r.Value) }

func (r NodeRef) String() string { return r.Label + "(" + r.KeyString() + ")" }

// KeyString renders a scalar key value canonically.
func KeyString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// Rel describes a relationship merged on (Type, From, To).
type Rel struct {
	Type  string
	From  NodeRef
	To    NodeRef
	Props map[string]any
}

// Increment is one aggregate-edge bump. Event names the post that caused it; a store applies
// a given (Type, From, To, Event) at most once.
type Increment struct {
	Type  string
	From  NodeRef
	To    NodeRef
	Event string
}

// Plan is everything one post contributes to the graph.
type Plan struct {
	Shape      Shape
	PostID     string
	Nodes      []Node
	Rels       []Rel
	Increments []Increment
	Hashtags   []string
	Text       string
	Raw        Record
}
