// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongo is the public driver surface: Client/Database/Collection wrap the
// command-executor, cursor, change-stream, and bulk-write engines in x/mongo/driver against a
// topology.Topology deployment.
package mongo

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/internal/logger"
	"github.com/mongocore/driver/session"
	driverpkg "github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/topology"
)

// ClientOptions configures a Client at construction time. Unset durations fall back to defaults:
// 30s server selection timeout and 10s heartbeat frequency (applied by Connect), and a 15ms local
// threshold (applied by topology.Topology.SelectServer).
type ClientOptions struct {
	Hosts                  []string
	ReplicaSetName         string
	HeartbeatFrequency     time.Duration
	ServerSelectionTimeout time.Duration
	LocalThreshold         time.Duration
	MaxPoolSize            uint64

	// LogSink receives SDAM heartbeat and topology-state-change messages (§5). A zero-value
	// logr.Logger leaves logging disabled.
	LogSink            logr.Logger
	LogComponentLevels map[logger.Component]logger.Level
}

const (
	defaultServerSelectionTimeout = 30 * time.Second
	defaultHeartbeatFrequency     = 10 * time.Second
)

// Client is a handle onto a deployment, the entry point for Database/Collection access and
// change streams spanning the whole cluster.
type Client struct {
	topo *topology.Topology
}

// Connect constructs a Client and starts its background server monitors (§4.B). It does not
// block for a server to become available; the first operation performs selection (§4.D).
func Connect(opts ClientOptions) (*Client, error) {
	seeds := make([]address.Address, 0, len(opts.Hosts))
	for _, h := range opts.Hosts {
		seeds = append(seeds, address.Address(h))
	}
	if len(seeds) == 0 {
		seeds = []address.Address{address.Address("localhost:27017")}
	}

	sst := opts.ServerSelectionTimeout
	if sst == 0 {
		sst = defaultServerSelectionTimeout
	}
	hbf := opts.HeartbeatFrequency
	if hbf == 0 {
		hbf = defaultHeartbeatFrequency
	}

	topo := topology.New(topology.Config{
		SeedList:               seeds,
		ReplicaSetName:         opts.ReplicaSetName,
		HeartbeatFrequency:     hbf,
		ServerSelectionTimeout: sst,
		LocalThreshold:         opts.LocalThreshold,
		MaxPoolSize:            opts.MaxPoolSize,
		LogSink:                opts.LogSink,
		LogComponentLevels:     opts.LogComponentLevels,
	})
	return &Client{topo: topo}, nil
}

// Disconnect stops the Client's background monitors and releases its connection pools.
func (c *Client) Disconnect() error {
	c.topo.Close()
	return nil
}

// Database returns a handle to the named database.
func (c *Client) Database(name string) *Database {
	return &Database{client: c, name: name}
}

// StartSession begins a new logical session for causally consistent or retryable-write use
// across several operations (§3 Data Model "Session", §4.E, §4.J).
func (c *Client) StartSession(causallyConsistent bool) *session.Client {
	return session.NewClient(causallyConsistent, session.TransactionOptions{})
}

// Watch opens a cluster-wide change stream across every database and collection (§4.H).
func (c *Client) Watch(ctx context.Context, pipeline []bsoncore.Document, opts driverpkg.ChangeStreamOptions, sess *session.Client) (*ChangeStream, error) {
	inner, err := driverpkg.NewChangeStream(
		ctx, c.topo, nil, sess, &session.ClusterClock{},
		driverpkg.ChangeStreamTarget{Database: "admin", AllChangesForCluster: true},
		pipeline, opts,
	)
	if err != nil {
		return nil, err
	}
	return &ChangeStream{inner: inner}, nil
}

// marshalDocument converts a user-supplied value into a bsoncore.Document. bson.Raw,
// bsoncore.Document, and []byte are accepted verbatim as already-encoded documents; everything
// else is marshaled via the bson package.
func marshalDocument(v interface{}) (bsoncore.Document, error) {
	switch t := v.(type) {
	case nil:
		idx, dst := bsoncore.AppendDocumentStart(nil)
		dst, err := bsoncore.AppendDocumentEnd(dst, idx)
		return dst, err
	case bsoncore.Document:
		return t, nil
	case bson.Raw:
		return bsoncore.Document(t), nil
	case []byte:
		return bsoncore.Document(t), nil
	default:
		raw, err := bson.Marshal(v)
		if err != nil {
			return nil, err
		}
		return bsoncore.Document(raw), nil
	}
}
