package neo4jgraph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetgraph/internal/model"
)

func TestMergeNodeQuery(t *testing.T) {
	n := model.Node{
		Labels: []string{model.LabelTweet, model.LabelRetweet},
		Key:    model.KeyID,
		Props:  map[string]any{"id": int64(2), "text": "RT"},
	}
	q, params, err := mergeNodeQuery(n)
	require.NoError(t, err)
	assert.Equal(t, "MERGE (n:`Tweet` {`id`: $key}) SET n += $props SET n:`Retweet`", q)
	assert.Equal(t, int64(2), params["key"])
	assert.Equal(t, n.Props, params["props"])
}

func TestMergeNodeQueryRejectsBadInput(t *testing.T) {
	_, _, err := mergeNodeQuery(model.Node{Labels: []string{"Tweet) DETACH DELETE (x"}, Key: "id", Props: map[string]any{"id": int64(1)}})
	assert.Error(t, err)

	_, _, err = mergeNodeQuery(model.Node{Labels: []string{"Tweet"}, Key: "id", Props: map[string]any{"id": int64(1), "flag": true}})
	var ce *model.CoercionError
	assert.True(t, errors.As(err, &ce))
}

func TestMergeRelQuery(t *testing.T) {
	r := model.Rel{
		Type: model.RelContains,
		From: model.NodeRef{Label: model.LabelTweet, Key: model.KeyID, Value: int64(1)},
		To:   model.NodeRef{Label: model.LabelHashtag, Key: model.KeyText, Value: "go"},
	}
	q, params, err := mergeRelQuery(r)
	require.NoError(t, err)
	assert.Contains(t, q, "MATCH (a:`Tweet` {`id`: $from}) MATCH (b:`Hashtag` {`text`: $to})")
	assert.Contains(t, q, "MERGE (a)-[r:`CONTAINS`]->(b) SET r += $props")
	assert.Equal(t, map[string]any{}, params["props"])
	assert.Equal(t, "go", params["to"])
}

func TestIncrementQueryIsEventGuarded(t *testing.T) {
	inc := model.Increment{
		Type:  model.RelRetweets,
		From:  model.NodeRef{Label: model.LabelUser, Key: model.KeyID, Value: int64(20)},
		To:    model.NodeRef{Label: model.LabelUser, Key: model.KeyID, Value: int64(10)},
		Event: "2",
	}
	q, params, err := incrementQuery(inc)
	require.NoError(t, err)
	assert.Contains(t, q, "MERGE (e:`CounterEvent` {id: $event})")
	assert.Contains(t, q, "ON CREATE SET r.count = 0")
	assert.Contains(t, q, "CASE WHEN fresh THEN r.count + 1 ELSE r.count END")
	assert.Equal(t, "RETWEETS|User(20)|User(10)|2", params["event"])

	inc.Event = ""
	_, _, err = incrementQuery(inc)
	assert.Error(t, err)
}

func TestConstraintStatements(t *testing.T) {
	stmts := constraintStatements()
	require.Len(t, stmts, len(constrained))
	assert.Contains(t, stmts, "CREATE CONSTRAINT hashtag_text_unique IF NOT EXISTS FOR (n:`Hashtag`) REQUIRE n.`text` IS UNIQUE")
}

func TestLookupQueries(t *testing.T) {
	q, params, err := nodePropsQuery(model.NodeRef{Label: model.LabelTweet, Key: model.KeyID, Value: int64(7)})
	require.NoError(t, err)
	assert.Equal(t, "MATCH (n:`Tweet` {`id`: $key}) RETURN labels(n) AS labels, properties(n) AS props", q)
	assert.Equal(t, int64(7), params["key"])

	from := model.NodeRef{Label: model.LabelUser, Key: model.KeyID, Value: int64(20)}
	to := model.NodeRef{Label: model.LabelUser, Key: model.KeyID, Value: int64(10)}
	q, params, err = edgePropsQuery(model.RelRetweets, from, to)
	require.NoError(t, err)
	assert.Equal(t, "MATCH (a:`User` {`id`: $from})-[r:`RETWEETS`]->(b:`User` {`id`: $to}) RETURN properties(r) AS props", q)
	assert.Equal(t, int64(20), params["from"])
	assert.Equal(t, int64(10), params["to"])

	_, _, err = edgePropsQuery("RETWEETS]->() DELETE r//", from, to)
	assert.Error(t, err)
	_, _, err = nodePropsQuery(model.NodeRef{Label: "Tweet`", Key: "id", Value: int64(1)})
	assert.Error(t, err)

	assert.Contains(t, countQueries[0], "NOT n:`CounterEvent`")
}
