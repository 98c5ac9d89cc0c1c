package neo4jgraph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"tweetgraph/internal/graphstore"
	"tweetgraph/internal/model"
)

// Config selects the Bolt endpoint and database.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Store writes the graph to Neo4j with parameterized MERGE statements.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

var (
	_ graphstore.Store     = (*Store)(nil)
	_ graphstore.Inspector = (*Store)(nil)
)

// Open connects, verifies connectivity and ensures uniqueness constraints for every keyed label.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	s := &Store{driver: driver, database: cfg.Database}
	if err := s.ensureConstraints(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.driver.Close(context.Background()) }

func (s *Store) Dialect() string { return graphstore.DialectCypher }

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

func (s *Store) ensureConstraints(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	for _, q := range constraintStatements() {
		res, err := session.Run(ctx, q, nil)
		if err != nil {
			return fmt.Errorf("constraint: %w", err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return fmt.Errorf("constraint: %w", err)
		}
	}
	return nil
}

// Begin opens an explicit transaction on a fresh session.
func (s *Store) Begin(ctx context.Context) (graphstore.Tx, error) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		_ = session.Close(ctx)
		return nil, classify(err)
	}
	return &Tx{session: session, tx: tx}, nil
}

// Tx wraps one explicit transaction and closes its session when finished.
type Tx struct {
	session neo4j.SessionWithContext
	tx      neo4j.ExplicitTransaction
}

func (t *Tx) MergeNode(ctx context.Context, n model.Node) error {
	q, params, err := mergeNodeQuery(n)
	if err != nil {
		return err
	}
	res, err := t.tx.Run(ctx, q, params)
	if err != nil {
		return classify(err)
	}
	_, err = res.Consume(ctx)
	return classify(err)
}

func (t *Tx) MergeRel(ctx context.Context, r model.Rel) error {
	q, params, err := mergeRelQuery(r)
	if err != nil {
		return err
	}
	res, err := t.tx.Run(ctx, q, params)
	if err != nil {
		return classify(err)
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return classify(err)
	}
	if n, _ := rec.Get("merged"); n == int64(0) {
		return fmt.Errorf("merge %s: endpoint %s or %s not found", r.Type, r.From, r.To)
	}
	return nil
}

func (t *Tx) Commit(ctx context.Context) error {
	defer t.session.Close(ctx)
	return classify(t.tx.Commit(ctx))
}

func (t *Tx) Rollback(ctx context.Context) error {
	defer t.session.Close(ctx)
	return t.tx.Rollback(ctx)
}

// Increment runs the guarded counter MERGE as a managed write; the driver retries transient errors.
func (s *Store) Increment(ctx context.Context, inc model.Increment) (int64, bool, error) {
	q, params, err := incrementQuery(inc)
	if err != nil {
		return 0, false, err
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, q, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		count, _ := rec.Get("count")
		applied, _ := rec.Get("applied")
		c, _ := count.(int64)
		a, _ := applied.(bool)
		return incResult{count: c, applied: a}, nil
	})
	if err != nil {
		return 0, false, classify(err)
	}
	r := out.(incResult)
	return r.count, r.applied, nil
}

type incResult struct {
	count   int64
	applied bool
}

// Query runs Cypher in a read session.
func (s *Store) Query(ctx context.Context, query string, params map[string]any) ([]graphstore.Row, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	res, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, classify(err)
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]graphstore.Row, 0, len(records))
	for _, r := range records {
		out = append(out, graphstore.Row(r.AsMap()))
	}
	return out, nil
}

func (s *Store) NodeProps(ctx context.Context, ref model.NodeRef) ([]string, map[string]any, bool, error) {
	q, params, err := nodePropsQuery(ref)
	if err != nil {
		return nil, nil, false, err
	}
	rows, err := s.Query(ctx, q, params)
	if err != nil || len(rows) == 0 {
		return nil, nil, false, err
	}
	raw, _ := rows[0]["labels"].([]any)
	labels := make([]string, 0, len(raw))
	for _, l := range raw {
		if str, ok := l.(string); ok {
			labels = append(labels, str)
		}
	}
	props, _ := rows[0]["props"].(map[string]any)
	return labels, props, true, nil
}

func (s *Store) EdgeProps(ctx context.Context, typ string, from, to model.NodeRef) (map[string]any, bool, error) {
	q, params, err := edgePropsQuery(typ, from, to)
	if err != nil {
		return nil, false, err
	}
	rows, err := s.Query(ctx, q, params)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	props, _ := rows[0]["props"].(map[string]any)
	return props, true, nil
}

func (s *Store) Counts(ctx context.Context) (nodes, edges int64, err error) {
	var out [2]int64
	for i, q := range countQueries {
		rows, err := s.Query(ctx, q, nil)
		if err != nil {
			return 0, 0, err
		}
		if len(rows) > 0 {
			out[i] = rows[0].Int("n")
		}
	}
	return out[0], out[1], nil
}

// classify maps transient cluster errors to model.ErrConflict and connectivity errors to
// model.ErrStoreUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsRetryable(err) {
		return fmt.Errorf("%w: %v", model.ErrConflict, err)
	}
	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return err
}
