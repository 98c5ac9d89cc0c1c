package neo4jgraph

import (
	"fmt"
	"strings"

	"tweetgraph/internal/graphstore"
	"tweetgraph/internal/model"
)

// keyed labels and the property they are unique on
var constrained = [][2]string{
	{model.LabelUser, model.KeyID},
	{model.LabelTweet, model.KeyID},
	{model.LabelHashtag, model.KeyText},
	{model.LabelURL, model.KeyExpandedURL},
	{model.LabelMedia, model.KeyID},
	{counterEventLabel, model.KeyID},
}

const counterEventLabel = "CounterEvent"

func constraintStatements() []string {
	out := make([]string, 0, len(constrained))
	for _, c := range constrained {
		out = append(out, fmt.Sprintf("CREATE CONSTRAINT %s_%s_unique IF NOT EXISTS FOR (n:`%s`) REQUIRE n.`%s` IS UNIQUE",
			strings.ToLower(c[0]), c[1], c[0], c[1]))
	}
	return out
}

func mergeNodeQuery(n model.Node) (string, map[string]any, error) {
	if err := graphstore.CheckNode(n); err != nil {
		return "", nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE (n:`%s` {`%s`: $key}) SET n += $props", n.PrimaryLabel(), n.Key)
	for _, l := range n.Labels[1:] {
		fmt.Fprintf(&b, " SET n:`%s`", l)
	}
	return b.String(), map[string]any{"key": n.Props[n.Key], "props": n.Props}, nil
}

func mergeRelQuery(r model.Rel) (string, map[string]any, error) {
	if err := graphstore.CheckRel(r); err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf("MATCH (a:`%s` {`%s`: $from}) MATCH (b:`%s` {`%s`: $to}) "+
		"MERGE (a)-[r:`%s`]->(b) SET r += $props RETURN count(r) AS merged",
		r.From.Label, r.From.Key, r.To.Label, r.To.Key, r.Type)
	props := r.Props
	if props == nil {
		props = map[string]any{}
	}
	return q, map[string]any{"from": r.From.Value, "to": r.To.Value, "props": props}, nil
}

// incrementQuery merges a ledger node for the event first; only a freshly created ledger node
// bumps the count, so replays of the same post leave the edge alone.
func incrementQuery(inc model.Increment) (string, map[string]any, error) {
	if err := graphstore.CheckIncrement(inc); err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf("MERGE (e:`%s` {id: $event}) "+
		"ON CREATE SET e.fresh = true ON MATCH SET e.fresh = false "+
		"WITH e, e.fresh AS fresh "+
		"MATCH (a:`%s` {`%s`: $from}) MATCH (b:`%s` {`%s`: $to}) "+
		"MERGE (a)-[r:`%s`]->(b) ON CREATE SET r.count = 0 "+
		"SET r.count = CASE WHEN fresh THEN r.count + 1 ELSE r.count END "+
		"REMOVE e.fresh "+
		"RETURN r.count AS count, fresh AS applied",
		counterEventLabel, inc.From.Label, inc.From.Key, inc.To.Label, inc.To.Key, inc.Type)
	return q, map[string]any{"event": eventKey(inc), "from": inc.From.Value, "to": inc.To.Value}, nil
}

func eventKey(inc model.Increment) string {
	return strings.Join([]string{inc.Type, inc.From.String(), inc.To.String(), inc.Event}, "|")
}

func nodePropsQuery(ref model.NodeRef) (string, map[string]any, error) {
	if !graphstore.ValidIdent(ref.Label) || !graphstore.ValidIdent(ref.Key) {
		return "", nil, fmt.Errorf("invalid node ref %s", ref)
	}
	q := fmt.Sprintf("MATCH (n:`%s` {`%s`: $key}) RETURN labels(n) AS labels, properties(n) AS props", ref.Label, ref.Key)
	return q, map[string]any{"key": ref.Value}, nil
}

func edgePropsQuery(typ string, from, to model.NodeRef) (string, map[string]any, error) {
	for _, id := range []string{typ, from.Label, from.Key, to.Label, to.Key} {
		if !graphstore.ValidIdent(id) {
			return "", nil, fmt.Errorf("invalid identifier %q", id)
		}
	}
	q := fmt.Sprintf("MATCH (a:`%s` {`%s`: $from})-[r:`%s`]->(b:`%s` {`%s`: $to}) RETURN properties(r) AS props",
		from.Label, from.Key, typ, to.Label, to.Key)
	return q, map[string]any{"from": from.Value, "to": to.Value}, nil
}

// ledger nodes are bookkeeping, not part of the graph
var countQueries = [2]string{
	"MATCH (n) WHERE NOT n:`" + counterEventLabel + "` RETURN count(n) AS n",
	"MATCH ()-[r]->() RETURN count(r) AS n",
}
