// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/mongo/options"
	"github.com/mongocore/driver/session"
	driverpkg "github.com/mongocore/driver/x/mongo/driver"
)

// Collection is a handle to a named collection within a Database.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection's name.
func (coll *Collection) Name() string { return coll.name }

func (coll *Collection) namespace() driverpkg.Namespace {
	return driverpkg.Namespace{DB: coll.db.name, Collection: coll.name}
}

// InsertOneResult is the outcome of a successful InsertOne.
type InsertOneResult struct {
	InsertedID bsoncore.Value
}

// InsertOne inserts a single document, routed through the bulk-write engine (§4.I) so every
// insert path — single or batched — allocates IDs and retryable-write txnNumbers identically.
func (coll *Collection) InsertOne(
	ctx context.Context,
	document interface{},
	sess *session.Client,
	opts ...*options.InsertOneOptionsBuilder,
) (*InsertOneResult, error) {
	doc, err := marshalDocument(document)
	if err != nil {
		return nil, err
	}

	args := mergeInsertOneOptions(opts...)

	bw := driverpkg.NewBulkWrite()
	if err := bw.Append(coll.namespace(), driverpkg.InsertOneModel{Document: doc}); err != nil {
		return nil, err
	}

	bwOpts := driverpkg.BulkWriteOptions{
		Ordered:                  true,
		WriteConcernAcknowledged: true,
	}
	if args.BypassDocumentValidation != nil {
		bwOpts.BypassDocumentValidation = *args.BypassDocumentValidation
	}

	res, exc, err := bw.Execute(ctx, coll.db.client.topo, description.WriteSelector(), sess, &session.ClusterClock{}, bwOpts)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}
	for _, ir := range res.InsertResults {
		return &InsertOneResult{InsertedID: ir.InsertedID}, nil
	}
	return &InsertOneResult{}, nil
}

// BulkWrite executes a batch of insert/update/replace/delete models against coll (§4.I).
func (coll *Collection) BulkWrite(
	ctx context.Context,
	models []driverpkg.WriteModel,
	sess *session.Client,
	opts ...*options.BulkWriteOptions,
) (*driverpkg.BulkWriteResult, error) {
	args := mergeBulkWriteOptions(opts...)

	bw := driverpkg.NewBulkWrite()
	for _, m := range models {
		if err := bw.Append(coll.namespace(), m); err != nil {
			return nil, err
		}
	}

	bwOpts := driverpkg.BulkWriteOptions{
		Ordered:                  options.DefaultOrdered,
		WriteConcernAcknowledged: true,
		VerboseResults:           true,
	}
	if args.Ordered != nil {
		bwOpts.Ordered = *args.Ordered
	}
	if args.BypassDocumentValidation != nil {
		bwOpts.BypassDocumentValidation = *args.BypassDocumentValidation
	}

	res, exc, err := bw.Execute(ctx, coll.db.client.topo, description.WriteSelector(), sess, &session.ClusterClock{}, bwOpts)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return res, exc
	}
	return res, nil
}

// Find runs a find command and returns a Cursor over the matching documents (§4.F, §4.G).
func (coll *Collection) Find(
	ctx context.Context,
	filter interface{},
	sess *session.Client,
) (*Cursor, error) {
	filterDoc, err := marshalDocument(filter)
	if err != nil {
		return nil, err
	}

	selector := description.ReadPrefSelector(description.ReadPreference{Mode: description.PrimaryMode})
	srv, err := coll.db.client.topo.SelectServer(ctx, selector)
	if err != nil {
		return nil, driverpkg.SelectionError{Wrapped: err}
	}

	op := &driverpkg.Operation{
		Database: coll.db.name,
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			dst = bsoncore.AppendStringElement(dst, "find", coll.name)
			dst = bsoncore.AppendDocumentElement(dst, "filter", filterDoc)
			return dst, nil
		},
		Deployment: driverpkg.PinnedServerDeployment{Srv: srv},
		Client:     sess,
		Clock:      &session.ClusterClock{},
		Type:       driverpkg.Read,
	}
	if err := op.Execute(ctx); err != nil {
		return nil, err
	}

	cur, err := driverpkg.NewCursor(op.Result(), coll.namespace(), srv, sess, &session.ClusterClock{})
	if err != nil {
		return nil, err
	}
	return &Cursor{inner: cur}, nil
}

// Watch opens a change stream scoped to this collection (§4.H).
func (coll *Collection) Watch(
	ctx context.Context,
	pipeline []bsoncore.Document,
	sess *session.Client,
	opts ...*options.ChangeStreamOptions,
) (*ChangeStream, error) {
	inner, err := driverpkg.NewChangeStream(
		ctx, coll.db.client.topo, nil, sess, &session.ClusterClock{},
		driverpkg.ChangeStreamTarget{Database: coll.db.name, Collection: coll.name},
		pipeline, mergeChangeStreamOptions(opts...),
	)
	if err != nil {
		return nil, err
	}
	return &ChangeStream{inner: inner}, nil
}
