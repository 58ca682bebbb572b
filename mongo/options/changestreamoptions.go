// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package options

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/session"
)

// ChangeStreamArgs represents arguments that can be used to configure a Watch operation (§4.H).
type ChangeStreamArgs struct {
	// The maximum number of documents to be included in each batch returned by the server.
	BatchSize *int32

	// Specifies how the updated document should be returned in change notifications for update
	// operations, e.g. "updateLookup" or "required". The default returns only partial deltas.
	FullDocument *string

	// The maximum amount of time the server should wait for new documents to satisfy a tailable
	// cursor query.
	MaxAwaitTime *time.Duration

	// A resume token document specifying the logical starting point for the change stream. If
	// this is specified, StartAtOperationTime must not be set.
	ResumeAfter bsoncore.Document

	// If specified, the change stream will only return changes at or after this timestamp. If
	// this is specified, ResumeAfter must not be set.
	StartAtOperationTime *session.Timestamp
}

// ChangeStreamOptions contains options to configure change stream operations. Each option can be
// set through setter functions.
type ChangeStreamOptions struct {
	Opts []func(*ChangeStreamArgs) error
}

// ChangeStream creates a new ChangeStreamOptions instance.
func ChangeStream() *ChangeStreamOptions {
	return &ChangeStreamOptions{}
}

// ArgsSetters returns a list of ChangeStreamArgs setter functions.
func (cso *ChangeStreamOptions) ArgsSetters() []func(*ChangeStreamArgs) error {
	return cso.Opts
}

// SetBatchSize sets the value for the BatchSize field.
func (cso *ChangeStreamOptions) SetBatchSize(i int32) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.BatchSize = &i
		return nil
	})
	return cso
}

// SetFullDocument sets the value for the FullDocument field.
func (cso *ChangeStreamOptions) SetFullDocument(fd string) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.FullDocument = &fd
		return nil
	})
	return cso
}

// SetMaxAwaitTime sets the value for the MaxAwaitTime field.
func (cso *ChangeStreamOptions) SetMaxAwaitTime(d time.Duration) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.MaxAwaitTime = &d
		return nil
	})
	return cso
}

// SetResumeAfter sets the value for the ResumeAfter field.
func (cso *ChangeStreamOptions) SetResumeAfter(rt bsoncore.Document) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.ResumeAfter = rt
		return nil
	})
	return cso
}

// SetStartAtOperationTime sets the value for the StartAtOperationTime field.
func (cso *ChangeStreamOptions) SetStartAtOperationTime(t *session.Timestamp) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.StartAtOperationTime = t
		return nil
	})
	return cso
}
