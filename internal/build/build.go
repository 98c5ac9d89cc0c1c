package build

import (
	"tweetgraph/internal/build/coerce"
	"tweetgraph/internal/entities"
	"tweetgraph/internal/model"
)

// Build projects a decomposed post onto node, relationship and counter descriptors.
func Build(dec model.Decomposition) (model.Plan, error) {
	p := newPlanner(dec)
	if dec.Shape == model.Deletion {
		if err := p.deletion(dec.Deletion); err != nil {
			return model.Plan{}, err
		}
		return p.plan, nil
	}

	mainLabels := []string{model.LabelTweet}
	switch dec.Shape {
	case model.Retweeted, model.RetweetedAndQuoted:
		mainLabels = append(mainLabels, model.LabelRetweet)
	case model.Quoted:
		mainLabels = append(mainLabels, model.LabelQtweet)
	}
	main, err := p.subPost(dec.Main, mainLabels)
	if err != nil {
		return model.Plan{}, err
	}
	p.plan.PostID = main.post.Ref().KeyString()
	p.plan.Text, _ = dec.Main.Post[model.KeyText].(string)

	var rt, qt *authoredPost
	if dec.Retweeted != nil {
		labels := []string{model.LabelTweet}
		if dec.Shape == model.RetweetedAndQuoted {
			labels = append(labels, model.LabelQtweet)
		}
		if rt, err = p.subPost(*dec.Retweeted, labels); err != nil {
			return model.Plan{}, err
		}
		p.rel(model.RelRetweets, main.post.Ref(), rt.post.Ref(), snapshot(main, rt))
	}
	if dec.Quoted != nil {
		if qt, err = p.subPost(*dec.Quoted, []string{model.LabelTweet}); err != nil {
			return model.Plan{}, err
		}
		// in a quote-retweet the quote hangs off the retweeted post, not the wrapper
		quoting := main
		if rt != nil {
			quoting = rt
		}
		p.rel(model.RelQuotes, quoting.post.Ref(), qt.post.Ref(), snapshot(quoting, qt))
	}

	if rt != nil {
		event := p.plan.PostID
		p.plan.Increments = append(p.plan.Increments, model.Increment{
			Type: model.RelRetweets, From: main.author.Ref(), To: rt.author.Ref(), Event: event,
		})
		for _, cat := range []model.Category{model.CategoryMention, model.CategoryHashtag} {
			for _, n := range rt.entities[cat] {
				p.plan.Increments = append(p.plan.Increments, model.Increment{
					Type: model.RelBroadcasts, From: rt.author.Ref(), To: n.Ref(), Event: event,
				})
			}
		}
	}
	return p.plan, nil
}

// authoredPost is a sub-post after projection.
type authoredPost struct {
	post     model.Node
	author   model.Node
	entities map[model.Category][]model.Node
}

type planner struct {
	plan  model.Plan
	index map[string]int
	tags  map[string]struct{}
}

func newPlanner(dec model.Decomposition) *planner {
	return &planner{
		plan:  model.Plan{Shape: dec.Shape, Raw: dec.Raw},
		index: make(map[string]int),
		tags:  make(map[string]struct{}),
	}
}

// subPost adds a post, its author, AUTHORED and CONTAINS for its own entities.
func (p *planner) subPost(sp model.SubPost, labels []string) (*authoredPost, error) {
	post, err := PostNode(sp.Post, labels...)
	if err != nil {
		return nil, err
	}
	author, err := UserNode(sp.Author)
	if err != nil {
		return nil, err
	}
	ents, err := entities.Normalize(sp.Entities)
	if err != nil {
		return nil, err
	}
	p.node(author)
	p.node(post)
	p.rel(model.RelAuthored, author.Ref(), post.Ref(), authoredProps(post, author))
	for _, cat := range entities.Categories() {
		for _, e := range ents[cat] {
			p.node(e)
			p.rel(model.RelContains, post.Ref(), e.Ref(), nil)
			if cat == model.CategoryHashtag {
				p.hashtag(e)
			}
		}
	}
	return &authoredPost{post: post, author: author, entities: ents}, nil
}

func (p *planner) deletion(d *model.DeletionNotice) error {
	// key-only descriptors: merging them leaves an already known user and post untouched
	user, err := keyNode(model.LabelUser, d.UserID)
	if err != nil {
		return err
	}
	post, err := keyNode(model.LabelTweet, d.PostID)
	if err != nil {
		return err
	}
	props := map[string]any{}
	if v, ok, err := coerce.Value(d.Timestamp); err != nil {
		return &model.CoercionError{Property: "timestamp_ms", Value: d.Timestamp, Err: err}
	} else if ok {
		props["timestamp"] = v
	}
	p.node(user)
	p.node(post)
	p.rel(model.RelDeletes, user.Ref(), post.Ref(), props)
	p.plan.PostID = post.Ref().KeyString()
	return nil
}

// node adds n once per (label, key); a repeat unions labels and fills in missing properties.
func (p *planner) node(n model.Node) {
	id := n.Ref().String()
	if i, ok := p.index[id]; ok {
		have := &p.plan.Nodes[i]
		for _, l := range n.Labels {
			if !hasLabel(have.Labels, l) {
				have.Labels = append(have.Labels, l)
			}
		}
		for k, v := range n.Props {
			if _, ok := have.Props[k]; !ok {
				have.Props[k] = v
			}
		}
		return
	}
	p.index[id] = len(p.plan.Nodes)
	p.plan.Nodes = append(p.plan.Nodes, n)
}

func (p *planner) rel(typ string, from, to model.NodeRef, props map[string]any) {
	if props == nil {
		props = map[string]any{}
	}
	p.plan.Rels = append(p.plan.Rels, model.Rel{Type: typ, From: from, To: to, Props: props})
}

func (p *planner) hashtag(n model.Node) {
	tag := n.Ref().KeyString()
	if _, ok := p.tags[tag]; ok {
		return
	}
	p.tags[tag] = struct{}{}
	p.plan.Hashtags = append(p.plan.Hashtags, tag)
}

func hasLabel(labels []string, l string) bool {
	for _, x := range labels {
		if x == l {
			return true
		}
	}
	return false
}
