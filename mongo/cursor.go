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

// errNoCursorDocument is returned by Cursor.Decode when called before a successful Next.
var errNoCursorDocument = errors.New("mongo: Decode called before a successful Next")

// Cursor wraps the driver-level cursor engine (§4.G) with BSON decoding.
type Cursor struct {
	inner   *driverpkg.Cursor
	current []byte
	err     error
}

// Next advances the cursor, fetching another batch via getMore if the current one is exhausted.
func (c *Cursor) Next(ctx context.Context) bool {
	doc, ok, err := c.inner.Next(ctx)
	if err != nil {
		c.err = err
	}
	if !ok || err != nil {
		c.current = nil
		return false
	}
	c.current = doc
	return true
}

// Decode unmarshals the most recently fetched document into v.
func (c *Cursor) Decode(v interface{}) error {
	if c.current == nil {
		return errNoCursorDocument
	}
	return bson.Unmarshal(c.current, v)
}

// Err returns the error that ended iteration, if any.
func (c *Cursor) Err() error { return c.err }

// Close releases the underlying server-side cursor.
func (c *Cursor) Close(ctx context.Context) error { return c.inner.Close(ctx) }

// mergeInsertOneOptions folds a chain of builders into a flat InsertOneOptions.
func mergeInsertOneOptions(opts ...*options.InsertOneOptionsBuilder) options.InsertOneOptions {
	var args options.InsertOneOptions
	for _, o := range opts {
		if o == nil {
			continue
		}
		for _, set := range o.OptionsSetters() {
			_ = set(&args)
		}
	}
	return args
}

// mergeBulkWriteOptions folds a chain of builders into a flat BulkWriteArgs.
func mergeBulkWriteOptions(opts ...*options.BulkWriteOptions) options.BulkWriteArgs {
	var args options.BulkWriteArgs
	for _, o := range opts {
		if o == nil {
			continue
		}
		for _, set := range o.ArgsSetters() {
			_ = set(&args)
		}
	}
	return args
}
