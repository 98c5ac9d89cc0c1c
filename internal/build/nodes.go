package build

import (
	"strconv"

	"tweetgraph/internal/build/coerce"
	"tweetgraph/internal/model"
)

// counters absent from a payload default to zero on the post node
var postDefaults = []string{"retweet_count", "favorite_count"}

// PostNode builds a Tweet node keyed by id.
func PostNode(post model.Record, labels ...string) (model.Node, error) {
	props, err := coerce.Props(post)
	if err != nil {
		return model.Node{}, err
	}
	if model.KeyString(props[model.KeyID]) == "" {
		return model.Node{}, &model.StructuralError{Reason: "post has no id", Payload: post}
	}
	for _, k := range postDefaults {
		if _, ok := props[k]; !ok {
			props[k] = int64(0)
		}
	}
	if len(labels) == 0 {
		labels = []string{model.LabelTweet}
	}
	return model.Node{Labels: labels, Key: model.KeyID, Props: props}, nil
}

// UserNode builds a User node keyed by id.
func UserNode(user model.Record) (model.Node, error) {
	props, err := coerce.Props(user)
	if err != nil {
		return model.Node{}, err
	}
	if model.KeyString(props[model.KeyID]) == "" {
		return model.Node{}, &model.StructuralError{Reason: "user has no id", Payload: user}
	}
	return model.Node{Labels: []string{model.LabelUser}, Key: model.KeyID, Props: props}, nil
}

func keyNode(label string, id any) (model.Node, error) {
	v, ok, err := coerce.Value(id)
	if err != nil {
		return model.Node{}, &model.CoercionError{Property: model.KeyID, Value: id, Err: err}
	}
	if !ok || model.KeyString(v) == "" {
		return model.Node{}, &model.StructuralError{Reason: "deletion notice without " + label + " id"}
	}
	// id_str must address the same node as the numeric id posts and users are keyed by
	if str, isStr := v.(string); isStr {
		if n, err := strconv.ParseInt(str, 10, 64); err == nil {
			v = n
		}
	}
	return model.Node{Labels: []string{label}, Key: model.KeyID, Props: map[string]any{model.KeyID: v}}, nil
}

// authoredProps stamps the author's stats as seen on this post.
func authoredProps(post, author model.Node) map[string]any {
	out := map[string]any{}
	copyProp(out, "timestamp", post.Props, "timestamp", "timestamp_ms")
	copyProp(out, "createdAt", post.Props, "created_at")
	copyProp(out, "usrStatusCount", author.Props, "statuses_count")
	copyProp(out, "usrFollowerCount", author.Props, "followers_count")
	copyProp(out, "usrFavoritesCount", author.Props, "favourites_count", "favorites_count")
	return out
}

// snapshot captures the target post's engagement counters at the time the source post was seen.
func snapshot(source, target *authoredPost) map[string]any {
	out := map[string]any{}
	copyProp(out, "timestamp", source.post.Props, "timestamp", "timestamp_ms")
	copyProp(out, "createdAt", source.post.Props, "created_at")
	copyProp(out, "favoriteCount", target.post.Props, "favorite_count")
	copyProp(out, "replyCount", target.post.Props, "reply_count")
	copyProp(out, "retweetCount", target.post.Props, "retweet_count")
	copyProp(out, "quoteCount", target.post.Props, "quote_count")
	copyProp(out, "sourceFollowers", target.author.Props, "followers_count")
	return out
}

func copyProp(dst map[string]any, name string, src map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := src[k]; ok {
			dst[name] = v
			return
		}
	}
}
