/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store hides the concrete watchable key-value store behind the
// small contract the rest of the core depends on (§4.1). Two
// implementations exist: EtcdStore for production, and MemStore — an
// in-memory fake every other package's tests use instead of a live etcd,
// the same "fake client" discipline the teacher applies via
// controller-runtime/pkg/client/fake.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
)

// KV is one key's current value and the store-assigned revision it was
// last written at. Revision is the CAS token: every Put that targets this
// key must present it back as expectedRevision.
type KV struct {
	Key      string
	Value    []byte
	Revision int64
}

// EventType distinguishes the three events a watch can deliver.
type EventType int

const (
	// EventPut is delivered on creation or update of a key.
	EventPut EventType = iota
	// EventDelete is delivered when a key (or a lease backing it) is removed.
	EventDelete
	// EventResync is a synthetic marker emitted after reconnect or a
	// compacted-revision error: consumers must rebuild their view with a
	// fresh ListPrefix rather than trust incremental state.
	EventResync
)

// Event is one item delivered on a Watch channel.
type Event struct {
	Type EventType
	KV   KV
}

// LeaseID identifies a renewable lease bound to one or more keys.
type LeaseID int64

// ErrConflict is returned by Put when expectedRevision does not match the
// key's current revision. It is the same error value as
// apierrors.ErrConflict, so store callers can errors.Is against either.
var ErrConflict = apierrors.ErrConflict

// Store is the contract the rest of the core programs against. All
// transient connection errors are retried internally with backoff
// (internal/store's own responsibility); ErrConflict is always surfaced
// immediately for the caller to decide.
type Store interface {
	// Get returns the current value of key, or ok=false if absent.
	Get(ctx context.Context, key string) (kv KV, ok bool, err error)

	// ListPrefix returns every key under prefix, ordered by key.
	ListPrefix(ctx context.Context, prefix string) ([]KV, error)

	// Put writes value to key under optimistic concurrency control.
	// expectedRevision == 0 means "create only, key must not exist";
	// expectedRevision > 0 means "replace only if the key's current
	// revision equals this value". Returns ErrConflict otherwise.
	Put(ctx context.Context, key string, value []byte, expectedRevision int64) (newRevision int64, err error)

	// PutWithLease writes value to key bound to a new lease with the
	// given TTL. The value is deleted automatically if the lease is not
	// renewed before it expires.
	PutWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) (lease LeaseID, revision int64, err error)

	// Renew extends a lease's TTL. Returns an error if the lease has
	// already expired.
	Renew(ctx context.Context, lease LeaseID) error

	// Delete removes key unconditionally. A missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key under prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Watch streams events for everything under prefix until ctx is
	// canceled. The returned channel is closed when ctx is done. No error
	// from the underlying connection ever closes the channel early:
	// reconnection is unbounded, surfaced only as an EventResync.
	Watch(ctx context.Context, prefix string) <-chan Event
}

// ErrLeaseExpired is returned by Renew when the lease is no longer known
// to the store (it already expired or was never granted).
var ErrLeaseExpired = errors.New("lease expired")
