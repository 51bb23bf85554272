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

// Package leaderelection implements spec.md §9's "use a lease-based
// leader-election primitive on the Store (/leader/scheduler)" design note
// on top of go.etcd.io/etcd/client/v3/concurrency, the same client already
// used by internal/store's EtcdStore. The shape of Config
// (OnStartedLeading/OnStoppedLeading) mirrors controller-runtime's
// manager.Options.LeaderElection callbacks, since that is the idiom the
// teacher's operators are built around — just driven by etcd's own
// Election primitive instead of a Kubernetes Lease object.
package leaderelection

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/vllm-project/fleet-controlplane/internal/logging"
)

// Config describes one campaign for leadership.
type Config struct {
	// Name identifies the role contending for leadership, e.g.
	// "scheduler"; the election key is /leader/{Name}.
	Name string
	// Identity is this process's campaign value, used for observability
	// only (logged on win/loss).
	Identity string
	// LeaseTTLSeconds bounds how long a dead leader holds the role before
	// another candidate can win. Defaults to 15s.
	LeaseTTLSeconds int
	// OnStartedLeading runs when this process becomes leader. It should
	// block until ctx is canceled (leadership lost or Run's ctx done).
	OnStartedLeading func(ctx context.Context)
	// OnStoppedLeading runs when leadership is lost or Run's ctx is
	// canceled, after OnStartedLeading returns.
	OnStoppedLeading func()
}

// Run campaigns for leadership until ctx is canceled, repeatedly: on
// winning it calls OnStartedLeading and blocks until the session expires
// or ctx is canceled, then calls OnStoppedLeading and re-campaigns. It
// only returns when ctx is canceled.
func Run(ctx context.Context, cli *clientv3.Client, cfg Config) error {
	ttl := cfg.LeaseTTLSeconds
	if ttl <= 0 {
		ttl = 15
	}
	log := logging.FromContext(ctx).WithName("leaderelection").WithValues("role", cfg.Name)

	for ctx.Err() == nil {
		sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
		if err != nil {
			log.Info("failed to create election session, retrying", "error", err)
			if !sleepOrDone(ctx) {
				return ctx.Err()
			}
			continue
		}

		elec := concurrency.NewElection(sess, fmt.Sprintf("/leader/%s", cfg.Name))
		if err := elec.Campaign(ctx, cfg.Identity); err != nil {
			sess.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Info("campaign failed, retrying", "error", err)
			if !sleepOrDone(ctx) {
				return ctx.Err()
			}
			continue
		}

		log.Info("acquired leadership", "identity", cfg.Identity)
		leadingCtx, cancelLeading := context.WithCancel(ctx)
		go func() {
			select {
			case <-sess.Done():
				cancelLeading()
			case <-leadingCtx.Done():
			}
		}()

		if cfg.OnStartedLeading != nil {
			cfg.OnStartedLeading(leadingCtx)
		}
		cancelLeading()

		if cfg.OnStoppedLeading != nil {
			cfg.OnStoppedLeading()
		}
		_ = elec.Resign(context.Background())
		sess.Close()
		log.Info("lost leadership")
	}
	return ctx.Err()
}

// sleepOrDone waits a short fixed backoff between failed campaign
// attempts, returning false if ctx is canceled first.
func sleepOrDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(2 * time.Second):
		return true
	}
}
