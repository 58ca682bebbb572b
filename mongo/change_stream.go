// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongocore/driver/mongo/options"
	driverpkg "github.com/mongocore/driver/x/mongo/driver"
)

// mergeChangeStreamOptions folds a chain of *options.ChangeStreamOptions builders into the flat
// driverpkg.ChangeStreamOptions the change-stream engine (§4.H) expects.
func mergeChangeStreamOptions(opts ...*options.ChangeStreamOptions) driverpkg.ChangeStreamOptions {
	var args options.ChangeStreamArgs
	for _, o := range opts {
		if o == nil {
			continue
		}
		for _, set := range o.ArgsSetters() {
			_ = set(&args)
		}
	}

	out := driverpkg.ChangeStreamOptions{ResumeAfter: args.ResumeAfter, StartAtOperationTime: args.StartAtOperationTime}
	if args.BatchSize != nil {
		out.BatchSize = *args.BatchSize
	}
	if args.FullDocument != nil {
		out.FullDocument = *args.FullDocument
	}
	if args.MaxAwaitTime != nil {
		out.MaxAwaitTimeMS = args.MaxAwaitTime.Milliseconds()
	}
	return out
}

// ChangeStream wraps the driver-level change-stream engine with BSON decoding (§4.H).
type ChangeStream struct {
	inner   *driverpkg.ChangeStream
	current []byte
}

// errNoDocument is returned by Decode when called before a successful Next.
var errNoDocument = errors.New("mongo: Decode called before a successful Next")

// Next advances the stream, returning false once a non-resumable error occurs or the caller's
// context ends; callers should check Err after a false return.
func (cs *ChangeStream) Next(ctx context.Context) bool {
	doc, ok, err := cs.inner.Next(ctx)
	if !ok || err != nil {
		cs.current = nil
		return false
	}
	cs.current = doc
	return true
}

// Decode unmarshals the most recently observed change document into v.
func (cs *ChangeStream) Decode(v interface{}) error {
	if cs.current == nil {
		return errNoDocument
	}
	return bson.Unmarshal(cs.current, v)
}

// ResumeToken returns the resume token of the most recently observed document.
func (cs *ChangeStream) ResumeToken() bson.Raw { return bson.Raw(cs.inner.ResumeToken()) }

// Err returns the error that ended the stream, if any.
func (cs *ChangeStream) Err() error { return cs.inner.Err() }

// Close releases the stream's underlying cursor.
func (cs *ChangeStream) Close(ctx context.Context) error { return cs.inner.Close(ctx) }
