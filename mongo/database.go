// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/session"
	driverpkg "github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/mongo/options"
)

// Database is a handle to a named database on a Client's deployment.
type Database struct {
	client *Client
	name   string
}

// Name returns the database's name.
func (db *Database) Name() string { return db.name }

// Collection returns a handle to the named collection within this database.
func (db *Database) Collection(name string) *Collection {
	return &Collection{db: db, name: name}
}

// Watch opens a database-wide change stream across every collection in db (§4.H).
func (db *Database) Watch(
	ctx context.Context,
	pipeline []bsoncore.Document,
	sess *session.Client,
	opts ...*options.ChangeStreamOptions,
) (*ChangeStream, error) {
	inner, err := driverpkg.NewChangeStream(
		ctx, db.client.topo, nil, sess, &session.ClusterClock{},
		driverpkg.ChangeStreamTarget{Database: db.name},
		pipeline, mergeChangeStreamOptions(opts...),
	)
	if err != nil {
		return nil, err
	}
	return &ChangeStream{inner: inner}, nil
}
