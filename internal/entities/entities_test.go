package entities

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetgraph/internal/model"
)

func TestNormalizeAllCategories(t *testing.T) {
	bag := model.Record{
		"hashtags": []any{
			map[string]any{"text": "Go", "indices": []any{0, 3}},
			map[string]any{"text": "Go", "indices": []any{10, 13}},
			map[string]any{"text": "go"},
		},
		"user_mentions": []any{map[string]any{"id": json.Number("42"), "screen_name": "gopher", "indices": []any{1, 2}}},
		"urls":          []any{map[string]any{"url": "https://t.co/x", "expanded_url": "https://go.dev", "display_url": "go.dev"}},
		"media":         []any{map[string]any{"id": json.Number("7"), "type": "photo", "sizes": map[string]any{"small": map[string]any{"w": 1}}}},
		"symbols":       []any{map[string]any{"text": "GOOG"}},
	}
	out, err := Normalize(bag)
	require.NoError(t, err)
	require.Len(t, out, 4)

	tags := out[model.CategoryHashtag]
	require.Len(t, tags, 2, "verbatim text keys: Go and go are different hashtags")
	assert.Equal(t, "Go", tags[0].Props["text"])
	assert.NotContains(t, tags[0].Props, "indices")
	assert.Equal(t, []string{model.LabelHashtag}, tags[0].Labels)

	m := out[model.CategoryMention][0]
	assert.Equal(t, model.LabelUser, m.PrimaryLabel())
	assert.Equal(t, int64(42), m.Props["id"])
	assert.NotContains(t, m.Props, "indices")

	u := out[model.CategoryURL][0]
	assert.Equal(t, model.KeyExpandedURL, u.Key)
	assert.Equal(t, "https://go.dev", u.Ref().Value)

	media := out[model.CategoryMedia][0]
	assert.Equal(t, int64(7), media.Props["id"])
	assert.Equal(t, `{"small":{"w":1}}`, media.Props["sizes"])
}

func TestNormalizeSkipsKeylessAndEmpty(t *testing.T) {
	out, err := Normalize(model.Record{
		"hashtags": []any{map[string]any{"indices": []any{1, 2}}, map[string]any{"text": ""}},
		"urls":     []any{map[string]any{"url": "https://t.co/x"}},
		"media":    []any{},
	})
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = Normalize(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNormalizeCoercionFailure(t *testing.T) {
	_, err := Normalize(model.Record{"hashtags": []any{map[string]any{"text": "x", "bad": func() {}}}})
	var ce *model.CoercionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bad", ce.Property)
}

func TestCategoriesOrder(t *testing.T) {
	assert.Equal(t, []model.Category{model.CategoryHashtag, model.CategoryMention, model.CategoryURL, model.CategoryMedia}, Categories())
}
