package decompose

import (
	"tweetgraph/internal/model"
)

const (
	fieldUser      = "user"
	fieldEntities  = "entities"
	fieldRetweeted = "retweeted_status"
	fieldQuoted    = "quoted_status"
	fieldDelete    = "delete"
	fieldStatus    = "status"
)

// Decompose splits a raw post into its main post and any wrapped retweeted/quoted post,
// each with its own author and entity bag. The input is not modified.
func Decompose(raw model.Record) (model.Decomposition, error) {
	out := model.Decomposition{Raw: raw}
	if raw == nil {
		return out, &model.StructuralError{Reason: "empty record", Payload: raw}
	}
	if _, ok := raw.Map(fieldUser); !ok {
		del, err := deletion(raw)
		if err != nil {
			return out, err
		}
		out.Shape = model.Deletion
		out.Deletion = del
		return out, nil
	}

	main, err := split(raw, "post")
	if err != nil {
		return out, err
	}
	out.Main = main

	rtRaw, hasRT := raw.Map(fieldRetweeted)
	qtRaw, hasQT := raw.Map(fieldQuoted)
	if hasRT {
		// in a quote-retweet the retweeted payload is itself the quote tweet
		if inner, ok := rtRaw.Map(fieldQuoted); ok && !hasQT {
			qtRaw, hasQT = inner, true
		}
		rt, err := split(rtRaw, "retweeted post")
		if err != nil {
			return out, withPayload(err, raw)
		}
		out.Retweeted = &rt
	}
	if hasQT {
		qt, err := split(qtRaw, "quoted post")
		if err != nil {
			return out, withPayload(err, raw)
		}
		out.Quoted = &qt
	}

	switch {
	case hasRT && hasQT:
		out.Shape = model.RetweetedAndQuoted
	case hasRT:
		out.Shape = model.Retweeted
	case hasQT:
		out.Shape = model.Quoted
	default:
		out.Shape = model.Plain
	}
	return out, nil
}

// split pulls author and entities out of one post body and drops any nested wrapping so the
// remaining fields are flat.
func split(rec model.Record, what string) (model.SubPost, error) {
	author, ok := rec.Map(fieldUser)
	if !ok {
		return model.SubPost{}, &model.StructuralError{Reason: what + " has no author", Payload: rec}
	}
	ents, _ := rec.Map(fieldEntities)
	if ents == nil {
		ents = model.Record{}
	}
	post := rec.Clone()
	for _, k := range []string{fieldUser, fieldEntities, fieldRetweeted, fieldQuoted} {
		delete(post, k)
	}
	return model.SubPost{Post: post, Author: author.Clone(), Entities: ents}, nil
}

func deletion(raw model.Record) (*model.DeletionNotice, error) {
	del, ok := raw.Map(fieldDelete)
	if !ok {
		return nil, &model.StructuralError{Reason: "no author and no deletion marker", Payload: raw}
	}
	status, ok := del.Map(fieldStatus)
	if !ok {
		return nil, &model.StructuralError{Reason: "deletion notice without status", Payload: raw}
	}
	postID := firstOf(status, "id", "id_str")
	userID := firstOf(status, "user_id", "user_id_str")
	if postID == nil || userID == nil {
		return nil, &model.StructuralError{Reason: "deletion notice without post or user id", Payload: raw}
	}
	return &model.DeletionNotice{
		PostID:    postID,
		UserID:    userID,
		Timestamp: del["timestamp_ms"],
		Status:    status.Clone(),
	}, nil
}

func firstOf(rec model.Record, keys ...string) any {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}

func withPayload(err error, raw model.Record) error {
	if se, ok := err.(*model.StructuralError); ok {
		return &model.StructuralError{Reason: se.Reason, Payload: raw}
	}
	return err
}
