package entities

import (
	"tweetgraph/internal/build/coerce"
	"tweetgraph/internal/logging"
	"tweetgraph/internal/model"
)

// category maps an entity bag key to the node it becomes.
type category struct {
	field string
	cat   model.Category
	key   string
}

// Order matters: Normalize and its callers iterate categories in this order.
var categories = []category{
	{field: "hashtags", cat: model.CategoryHashtag, key: model.KeyText},
	{field: "user_mentions", cat: model.CategoryMention, key: model.KeyID},
	{field: "urls", cat: model.CategoryURL, key: model.KeyExpandedURL},
	{field: "media", cat: model.CategoryMedia, key: model.KeyID},
}

// Categories lists entity categories in a stable order.
func Categories() []model.Category {
	out := make([]model.Category, 0, len(categories))
	for _, c := range categories {
		out = append(out, c.cat)
	}
	return out
}

// Normalize turns one post's entity bag into node descriptors per category. Categories with no
// usable entity are left out. Character offsets ("indices") are dropped.
func Normalize(bag model.Record) (map[model.Category][]model.Node, error) {
	out := make(map[model.Category][]model.Node)
	for _, c := range categories {
		items, _ := bag[c.field].([]any)
		if len(items) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(items))
		var nodes []model.Node
		for _, it := range items {
			raw, ok := asRecord(it)
			if !ok {
				continue
			}
			props, err := coerce.Props(raw, "indices")
			if err != nil {
				return nil, err
			}
			kv, ok := props[c.key]
			if !ok || model.KeyString(kv) == "" {
				logging.Debug("entity_without_key", map[string]any{"category": string(c.cat), "entity": raw.String()})
				continue
			}
			ks := model.KeyString(kv)
			if _, dup := seen[ks]; dup {
				continue
			}
			seen[ks] = struct{}{}
			nodes = append(nodes, model.Node{Labels: []string{string(c.cat)}, Key: c.key, Props: props})
		}
		if len(nodes) > 0 {
			out[c.cat] = nodes
		}
	}
	return out, nil
}

func asRecord(v any) (model.Record, bool) {
	switch x := v.(type) {
	case model.Record:
		return x, true
	case map[string]any:
		return model.Record(x), true
	}
	return nil, false
}
