package sqlitegraph

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tweetgraph/internal/graphstore"
	"tweetgraph/internal/model"
)

// DB is a property graph kept in SQLite: one row per node, one row per relationship,
// properties as JSON objects.
type DB struct{ sql *sql.DB }

var (
	_ graphstore.Store     = (*DB)(nil)
	_ graphstore.Inspector = (*DB)(nil)
)

func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if inMemory(path) {
		// every pooled connection would get its own empty database
		d.SetMaxOpenConns(1)
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) Dialect() string { return graphstore.DialectSQLite }

func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func dsn(path string) string {
	if inMemory(path) {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS nodes (
	  label TEXT NOT NULL,
	  key_value TEXT NOT NULL,
	  key_name TEXT NOT NULL,
	  labels TEXT NOT NULL,
	  props TEXT NOT NULL,
	  PRIMARY KEY (label, key_value)
	);
	CREATE TABLE IF NOT EXISTS edges (
	  type TEXT NOT NULL,
	  src_label TEXT NOT NULL,
	  src_key TEXT NOT NULL,
	  dst_label TEXT NOT NULL,
	  dst_key TEXT NOT NULL,
	  props TEXT NOT NULL,
	  PRIMARY KEY (type, src_label, src_key, dst_label, dst_key)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst_label, dst_key, type);
	CREATE TABLE IF NOT EXISTS counter_events (
	  type TEXT NOT NULL,
	  src_label TEXT NOT NULL,
	  src_key TEXT NOT NULL,
	  dst_label TEXT NOT NULL,
	  dst_key TEXT NOT NULL,
	  event TEXT NOT NULL,
	  PRIMARY KEY (type, src_label, src_key, dst_label, dst_key, event)
	);
	`)
	return err
}

// Begin opens a write transaction.
func (d *DB) Begin(ctx context.Context) (graphstore.Tx, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is a unit of work over one SQLite transaction.
type Tx struct{ tx *sql.Tx }

func (t *Tx) MergeNode(ctx context.Context, n model.Node) error {
	if err := graphstore.CheckNode(n); err != nil {
		return err
	}
	ref := n.Ref()
	var labelsJSON, propsJSON string
	err := t.tx.QueryRowContext(ctx, `SELECT labels, props FROM nodes WHERE label=? AND key_value=?`, ref.Label, ref.KeyString()).Scan(&labelsJSON, &propsJSON)
	labels := n.Labels
	props := n.Props
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return classify(err)
	default:
		var have []string
		if err := json.Unmarshal([]byte(labelsJSON), &have); err != nil {
			return err
		}
		labels = unionLabels(have, n.Labels)
		old, err := decodeProps(propsJSON)
		if err != nil {
			return err
		}
		for k, v := range n.Props {
			old[k] = v
		}
		props = old
	}
	lb, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	pb, err := json.Marshal(props)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO nodes(label, key_value, key_name, labels, props) VALUES(?,?,?,?,?)
	ON CONFLICT(label, key_value) DO UPDATE SET labels=excluded.labels, props=excluded.props`,
		ref.Label, ref.KeyString(), n.Key, string(lb), string(pb))
	return classify(err)
}

func (t *Tx) MergeRel(ctx context.Context, r model.Rel) error {
	if err := graphstore.CheckRel(r); err != nil {
		return err
	}
	for _, ref := range []model.NodeRef{r.From, r.To} {
		ok, err := nodeExists(ctx, t.tx, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("merge %s: endpoint %s not found", r.Type, ref)
		}
	}
	pb, err := json.Marshal(r.Props)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO edges(type, src_label, src_key, dst_label, dst_key, props) VALUES(?,?,?,?,?,?)
	ON CONFLICT(type, src_label, src_key, dst_label, dst_key) DO UPDATE SET props=json_patch(edges.props, excluded.props)`,
		r.Type, r.From.Label, r.From.KeyString(), r.To.Label, r.To.KeyString(), string(pb))
	return classify(err)
}

func (t *Tx) Commit(ctx context.Context) error { return classify(t.tx.Commit()) }

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Increment records inc.Event and bumps the edge count in one transaction.
func (d *DB) Increment(ctx context.Context, inc model.Increment) (int64, bool, error) {
	if err := graphstore.CheckIncrement(inc); err != nil {
		return 0, false, err
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ref := range []model.NodeRef{inc.From, inc.To} {
		ok, err := nodeExists(ctx, tx, ref)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, fmt.Errorf("increment %s: endpoint %s not found", inc.Type, ref)
		}
	}
	args := []any{inc.Type, inc.From.Label, inc.From.KeyString(), inc.To.Label, inc.To.KeyString()}
	res, err := tx.ExecContext(ctx, `INSERT INTO counter_events(type, src_label, src_key, dst_label, dst_key, event) VALUES(?,?,?,?,?,?)
	ON CONFLICT DO NOTHING`, append(args, inc.Event)...)
	if err != nil {
		return 0, false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	applied := n == 1
	if applied {
		_, err = tx.ExecContext(ctx, `INSERT INTO edges(type, src_label, src_key, dst_label, dst_key, props) VALUES(?,?,?,?,?,'{"count":1}')
		ON CONFLICT(type, src_label, src_key, dst_label, dst_key)
		DO UPDATE SET props=json_set(edges.props, '$.count', COALESCE(json_extract(edges.props, '$.count'), 0) + 1)`, args...)
		if err != nil {
			return 0, false, classify(err)
		}
	}
	var count sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT json_extract(props, '$.count') FROM edges WHERE type=? AND src_label=? AND src_key=? AND dst_label=? AND dst_key=?`, args...).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, false, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, classify(err)
	}
	return count.Int64, applied, nil
}

// Query runs read-only SQL; params bind as named parameters (:name).
func (d *DB) Query(ctx context.Context, query string, params map[string]any) ([]graphstore.Row, error) {
	args := make([]any, 0, len(params))
	for k, v := range params {
		args = append(args, sql.Named(k, v))
	}
	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []graphstore.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(graphstore.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) NodeProps(ctx context.Context, ref model.NodeRef) (labels []string, props map[string]any, ok bool, err error) {
	var lj, pj string
	err = d.sql.QueryRowContext(ctx, `SELECT labels, props FROM nodes WHERE label=? AND key_value=?`, ref.Label, ref.KeyString()).Scan(&lj, &pj)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	if err := json.Unmarshal([]byte(lj), &labels); err != nil {
		return nil, nil, false, err
	}
	props, err = decodeProps(pj)
	return labels, props, err == nil, err
}

func (d *DB) EdgeProps(ctx context.Context, typ string, from, to model.NodeRef) (map[string]any, bool, error) {
	var pj string
	err := d.sql.QueryRowContext(ctx, `SELECT props FROM edges WHERE type=? AND src_label=? AND src_key=? AND dst_label=? AND dst_key=?`,
		typ, from.Label, from.KeyString(), to.Label, to.KeyString()).Scan(&pj)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	props, err := decodeProps(pj)
	return props, err == nil, err
}

// Counts returns the number of node and relationship rows. Counter ledger rows are not included.
func (d *DB) Counts(ctx context.Context) (nodes, edges int64, err error) {
	if err = d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
		return 0, 0, err
	}
	err = d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&edges)
	return nodes, edges, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nodeExists(ctx context.Context, q querier, ref model.NodeRef) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE label=? AND key_value=?`, ref.Label, ref.KeyString()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// decodeProps keeps integers as int64 so ids round-trip exactly.
func decodeProps(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	raw := map[string]any{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	for k, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			raw[k] = i
		} else if f, err := n.Float64(); err == nil {
			raw[k] = f
		}
	}
	return raw, nil
}

func unionLabels(have, add []string) []string {
	out := append([]string(nil), have...)
	for _, l := range add {
		found := false
		for _, h := range out {
			if h == l {
				found = true
				break
			}
		}
		if !found {
			out = append(out, l)
		}
	}
	return out
}

// classify maps lock contention to model.ErrConflict so callers can retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", model.ErrConflict, err)
		}
	}
	return err
}
