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

package store

import (
	"context"
	"errors"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vllm-project/fleet-controlplane/internal/logging"
)

// EtcdStore is the production Store, backed by go.etcd.io/etcd/client/v3.
// CAS uses a transaction comparing ModRevision; leases use Grant/
// KeepAlive; watches resubscribe and emit a synthetic Resync on
// ErrCompacted or any other watch-channel close, per spec.md §4.1.
type EtcdStore struct {
	cli *clientv3.Client
}

// NewEtcdStore dials the cluster described by cfg. cfg.DialTimeout governs
// the initial connection attempt only; once connected, EtcdStore retries
// every transient failure forever.
func NewEtcdStore(cfg clientv3.Config) (*EtcdStore, error) {
	cli, err := clientv3.New(cfg)
	if err != nil {
		return nil, err
	}
	return &EtcdStore{cli: cli}, nil
}

// Close releases the underlying etcd client connection.
func (s *EtcdStore) Close() error {
	return s.cli.Close()
}

func isTransientEtcdErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrLeaseExpired) {
		return false
	}
	// context cancellation/deadline is the caller's decision to stop, not
	// a transient condition to retry through.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (s *EtcdStore) Get(ctx context.Context, key string) (KV, bool, error) {
	var out KV
	var found bool
	err := retryTransient(ctx, isTransientEtcdErr, func() error {
		resp, err := s.cli.Get(ctx, key)
		if err != nil {
			return err
		}
		if len(resp.Kvs) == 0 {
			found = false
			return nil
		}
		kv := resp.Kvs[0]
		out = KV{Key: string(kv.Key), Value: kv.Value, Revision: kv.ModRevision}
		found = true
		return nil
	})
	return out, found, err
}

func (s *EtcdStore) ListPrefix(ctx context.Context, prefix string) ([]KV, error) {
	var out []KV
	err := retryTransient(ctx, isTransientEtcdErr, func() error {
		resp, err := s.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
		if err != nil {
			return err
		}
		out = make([]KV, 0, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			out = append(out, KV{Key: string(kv.Key), Value: kv.Value, Revision: kv.ModRevision})
		}
		return nil
	})
	return out, err
}

func (s *EtcdStore) Put(ctx context.Context, key string, value []byte, expectedRevision int64) (int64, error) {
	var newRev int64
	err := retryTransient(ctx, isTransientEtcdErr, func() error {
		var cmp clientv3.Cmp
		if expectedRevision == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", expectedRevision)
		}
		resp, err := s.cli.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(key, string(value))).
			Commit()
		if err != nil {
			return err
		}
		if !resp.Succeeded {
			return ErrConflict
		}
		newRev = resp.Header.Revision
		return nil
	})
	return newRev, err
}

func (s *EtcdStore) PutWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) (LeaseID, int64, error) {
	var leaseID LeaseID
	var rev int64
	err := retryTransient(ctx, isTransientEtcdErr, func() error {
		grant, err := s.cli.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			return err
		}
		resp, err := s.cli.Put(ctx, key, string(value), clientv3.WithLease(grant.ID))
		if err != nil {
			return err
		}
		leaseID = LeaseID(grant.ID)
		rev = resp.Header.Revision
		return nil
	})
	return leaseID, rev, err
}

func (s *EtcdStore) Renew(ctx context.Context, lease LeaseID) error {
	return retryTransient(ctx, isTransientEtcdErr, func() error {
		_, err := s.cli.KeepAliveOnce(ctx, clientv3.LeaseID(lease))
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return ErrLeaseExpired
		}
		return err
	})
}

func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	return retryTransient(ctx, isTransientEtcdErr, func() error {
		_, err := s.cli.Delete(ctx, key)
		return err
	})
}

func (s *EtcdStore) DeletePrefix(ctx context.Context, prefix string) error {
	return retryTransient(ctx, isTransientEtcdErr, func() error {
		_, err := s.cli.Delete(ctx, prefix, clientv3.WithPrefix())
		return err
	})
}

// Watch streams events under prefix. On any watch-channel close (conn
// drop, ErrCompacted, server restart) it emits EventResync and
// resubscribes from the latest revision, per spec.md §4.1's resync
// requirement — no error ever terminates the loop early.
func (s *EtcdStore) Watch(ctx context.Context, prefix string) <-chan Event {
	out := make(chan Event, 128)
	log := logging.FromContext(ctx).WithName("etcdstore").WithValues("prefix", prefix)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			wch := s.cli.Watch(ctx, prefix, clientv3.WithPrefix())
			for resp := range wch {
				if resp.Canceled {
					log.Info("watch canceled, resyncing", "error", resp.Err())
					break
				}
				if err := resp.Err(); err != nil {
					log.Info("watch error, resyncing", "error", err)
					break
				}
				for _, ev := range resp.Events {
					switch ev.Type {
					case clientv3.EventTypePut:
						select {
						case out <- Event{Type: EventPut, KV: KV{Key: string(ev.Kv.Key), Value: ev.Kv.Value, Revision: ev.Kv.ModRevision}}:
						case <-ctx.Done():
							return
						}
					case clientv3.EventTypeDelete:
						select {
						case out <- Event{Type: EventDelete, KV: KV{Key: string(ev.Kv.Key)}}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- Event{Type: EventResync, KV: KV{Key: prefix}}:
			case <-ctx.Done():
				return
			}
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

var _ Store = (*EtcdStore)(nil)
