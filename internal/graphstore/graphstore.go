// Package graphstore defines the property graph the pipeline writes into.
//
// A Store merges nodes by (primary label, key value) and relationships by
// (type, from, to). Merges overwrite the given properties and never duplicate.
// Property values are int64, float64 or string.
package graphstore

import (
	"context"
	"fmt"
	"regexp"

	"tweetgraph/internal/build/coerce"
	"tweetgraph/internal/model"
)

// Store is a graph database reached through merge-by-key upserts.
type Store interface {
	// Begin opens a unit of work. Nothing is visible to others until Commit.
	Begin(ctx context.Context) (Tx, error)
	// Increment atomically creates the aggregate edge with count 1 or adds 1 to it. A repeated
	// inc.Event for the same edge is not applied again; applied reports whether this call counted.
	Increment(ctx context.Context, inc model.Increment) (count int64, applied bool, err error)
	// Query runs a read-only query in the store's own dialect.
	Query(ctx context.Context, query string, params map[string]any) ([]Row, error)
	Dialect() string
	Close() error
}

// Tx is one atomic unit of work.
type Tx interface {
	MergeNode(ctx context.Context, n model.Node) error
	MergeRel(ctx context.Context, r model.Rel) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Inspector reads single elements back by key. Both backends implement it.
type Inspector interface {
	// NodeProps returns a node's labels and properties; ok is false when it does not exist.
	NodeProps(ctx context.Context, ref model.NodeRef) (labels []string, props map[string]any, ok bool, err error)
	// EdgeProps returns a relationship's properties; ok is false when it does not exist.
	EdgeProps(ctx context.Context, typ string, from, to model.NodeRef) (props map[string]any, ok bool, err error)
	// Counts returns how many graph nodes and relationships are stored.
	Counts(ctx context.Context) (nodes, edges int64, err error)
}

// Row is one result row keyed by column name.
type Row map[string]any

// Int reads an integer column, tolerating float encodings.
func (r Row) Int(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Str reads a column as a string.
func (r Row) Str(col string) string { return model.KeyString(r[col]) }

// Dialects.
const (
	DialectSQLite = "sqlite"
	DialectCypher = "cypher"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether s is safe to splice into a query as a label, type or key.
func ValidIdent(s string) bool { return identRe.MatchString(s) }

// CheckNode validates a node descriptor before it reaches a store.
func CheckNode(n model.Node) error {
	if len(n.Labels) == 0 {
		return fmt.Errorf("node without label")
	}
	for _, l := range n.Labels {
		if !ValidIdent(l) {
			return fmt.Errorf("invalid label %q", l)
		}
	}
	if !ValidIdent(n.Key) {
		return fmt.Errorf("invalid key %q", n.Key)
	}
	if _, ok := n.Props[n.Key]; !ok {
		return fmt.Errorf("node %s missing key %q", n.PrimaryLabel(), n.Key)
	}
	return checkProps(n.Props)
}

// CheckRel validates a relationship descriptor.
func CheckRel(r model.Rel) error {
	if !ValidIdent(r.Type) {
		return fmt.Errorf("invalid relationship type %q", r.Type)
	}
	if err := checkRef(r.From); err != nil {
		return err
	}
	if err := checkRef(r.To); err != nil {
		return err
	}
	return checkProps(r.Props)
}

// CheckIncrement validates an increment descriptor.
func CheckIncrement(inc model.Increment) error {
	if !ValidIdent(inc.Type) {
		return fmt.Errorf("invalid relationship type %q", inc.Type)
	}
	if inc.Event == "" {
		return fmt.Errorf("increment %s without event", inc.Type)
	}
	if err := checkRef(inc.From); err != nil {
		return err
	}
	return checkRef(inc.To)
}

func checkRef(r model.NodeRef) error {
	if !ValidIdent(r.Label) || !ValidIdent(r.Key) {
		return fmt.Errorf("invalid node ref %s", r)
	}
	if r.KeyString() == "" {
		return fmt.Errorf("node ref %s without key value", r.Label)
	}
	return nil
}

func checkProps(props map[string]any) error {
	for k, v := range props {
		if !coerce.Scalar(v) {
			return &model.CoercionError{Property: k, Value: v, Err: fmt.Errorf("non-scalar property")}
		}
	}
	return nil
}
