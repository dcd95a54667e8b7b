// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"sort"
	"time"

	"github.com/juju/errors"
	mgo "github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

// oplogEntry is the shape of a replica-set oplog document, reduced to
// the fields the reader consumes.
type oplogEntry struct {
	Timestamp   bson.MongoTimestamp `bson:"ts"`
	Operation   string              `bson:"op"`
	Namespace   string              `bson:"ns"`
	Object      bson.M              `bson:"o"`
	DocumentKey bson.M              `bson:"o2"`
}

// resumePosition is the persisted form of a reader's resume token.
type resumePosition struct {
	Timestamp bson.MongoTimestamp `bson:"ts"`
}

// OplogReaderConfig holds everything needed to tail the changes of
// one collection.
type OplogReaderConfig struct {
	// Session is the session the reader tails the oplog on. The
	// reader does not close it.
	Session *mgo.Session

	// Database and Collection name the watched collection.
	Database   string
	Collection string

	// ResumeAfter positions the tail just after a token from a
	// previous reader. Nil starts from the present.
	ResumeAfter *bson.Raw

	// MaxAwait bounds how long a blocked read waits for new entries
	// before returning with Timeout true.
	MaxAwait time.Duration
}

// Validate ensures that all the values that have to be set are set.
func (config OplogReaderConfig) Validate() error {
	if config.Session == nil {
		return errors.NotValidf("missing Session")
	}
	if config.Database == "" {
		return errors.NotValidf("missing Database")
	}
	if config.Collection == "" {
		return errors.NotValidf("missing Collection")
	}
	if config.MaxAwait <= 0 {
		return errors.NotValidf("non-positive MaxAwait")
	}
	return nil
}

// NewOplogReader returns a ChangeReader that tails the replica-set
// oplog for one collection and yields its entries as change
// notifications. Next decodes into the same document shape a change
// stream would produce, so the feed watcher is none the wiser.
func NewOplogReader(config OplogReaderConfig) (ChangeReader, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new oplog reader invalid config")
	}
	r := &oplogReader{
		oplog:    config.Session.DB("local").C("oplog.rs"),
		watched:  config.Session.DB(config.Database).C(config.Collection),
		ns:       config.Database + "." + config.Collection,
		maxAwait: config.MaxAwait,
	}
	if config.ResumeAfter != nil {
		var pos resumePosition
		if err := config.ResumeAfter.Unmarshal(&pos); err != nil {
			return nil, errors.Annotate(err, "cannot decode resume position")
		}
		r.lastTS = pos.Timestamp
	} else {
		// Start from the present: everything already in the oplog
		// predates this reader.
		var head resumePosition
		err := r.oplog.Find(nil).Sort("-$natural").One(&head)
		if err != nil && err != mgo.ErrNotFound {
			return nil, errors.Annotate(err, "cannot read oplog head")
		}
		r.lastTS = head.Timestamp
	}
	r.iter = r.tail()
	return r, nil
}

type oplogReader struct {
	oplog    *mgo.Collection
	watched  *mgo.Collection
	ns       string
	maxAwait time.Duration

	iter    *mgo.Iter
	lastTS  bson.MongoTimestamp
	err     error
	timeout bool
}

func (r *oplogReader) tail() *mgo.Iter {
	query := bson.D{{Name: "ns", Value: r.ns}}
	if r.lastTS > 0 {
		query = append(query, bson.DocElem{
			Name:  "ts",
			Value: bson.D{{Name: "$gt", Value: r.lastTS}},
		})
	}
	return r.oplog.Find(query).LogReplay().Sort("$natural").Tail(r.maxAwait)
}

// Next is part of the ChangeReader interface. Entries that carry no
// collection change (no-ops, commands) are skipped.
func (r *oplogReader) Next(result interface{}) bool {
	var entry oplogEntry
	for r.iter.Next(&entry) {
		r.timeout = false
		r.lastTS = entry.Timestamp
		notification, ok := oplogNotification(entry, r.postImage)
		if !ok {
			continue
		}
		data, err := bson.Marshal(notification)
		if err == nil {
			err = bson.Unmarshal(data, result)
		}
		if err != nil {
			r.err = errors.Annotatef(err, "cannot convert %s oplog entry", r.ns)
			return false
		}
		return true
	}
	r.timeout = r.iter.Timeout()
	return false
}

// Err is part of the ChangeReader interface.
func (r *oplogReader) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.iter.Err()
}

// Timeout is part of the ChangeReader interface.
func (r *oplogReader) Timeout() bool {
	return r.timeout
}

// Close is part of the ChangeReader interface.
func (r *oplogReader) Close() error {
	return r.iter.Close()
}

// ResumeToken is part of the ChangeReader interface. The token holds
// the timestamp of the last entry read, whether or not it produced a
// notification.
func (r *oplogReader) ResumeToken() *bson.Raw {
	if r.lastTS == 0 {
		return nil
	}
	return timestampToken(r.lastTS)
}

// postImage reads the current state of a changed document. A false
// return means the document is gone, which the consumer treats as a
// racing deletion.
func (r *oplogReader) postImage(id interface{}) (bson.M, bool) {
	var doc bson.M
	if err := r.watched.FindId(id).One(&doc); err != nil {
		return nil, false
	}
	return doc, true
}

// oplogNotification converts one oplog entry into the notification
// document the feed watcher decodes. The oplog stores updates in
// idempotent modifier form, so $set values are the updated fields
// with their resulting values and $unset keys are the removed fields.
func oplogNotification(entry oplogEntry, postImage func(id interface{}) (bson.M, bool)) (bson.M, bool) {
	switch entry.Operation {
	case "i":
		return bson.M{
			"operationType": "insert",
			"documentKey":   bson.M{"_id": entry.Object["_id"]},
			"fullDocument":  entry.Object,
		}, true
	case "d":
		return bson.M{
			"operationType": "delete",
			"documentKey":   bson.M{"_id": entry.Object["_id"]},
		}, true
	case "u":
		id := entry.DocumentKey["_id"]
		notification := bson.M{
			"operationType": "update",
			"documentKey":   bson.M{"_id": id},
		}
		description, modifier := updateDescription(entry.Object)
		if modifier {
			notification["updateDescription"] = description
			if image, found := postImage(id); found {
				notification["fullDocument"] = image
			}
		} else {
			// The entry holds a whole replacement document.
			notification["operationType"] = "replace"
			notification["fullDocument"] = entry.Object
		}
		return notification, true
	}
	return nil, false
}

// updateDescription extracts the updated and removed field sets from
// an update entry's modifier document. A false return means the
// object is not in modifier form.
func updateDescription(object bson.M) (bson.M, bool) {
	sets, hasSets := object["$set"].(bson.M)
	unsets, hasUnsets := object["$unset"].(bson.M)
	if !hasSets && !hasUnsets {
		return nil, false
	}
	removed := make([]string, 0, len(unsets))
	for name := range unsets {
		removed = append(removed, name)
	}
	sort.Strings(removed)
	description := bson.M{"removedFields": removed}
	if hasSets {
		description["updatedFields"] = sets
	} else {
		description["updatedFields"] = bson.M{}
	}
	return description, true
}

func timestampToken(ts bson.MongoTimestamp) *bson.Raw {
	data, err := bson.Marshal(resumePosition{Timestamp: ts})
	if err != nil {
		return nil
	}
	var raw bson.Raw
	if err := bson.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return &raw
}
