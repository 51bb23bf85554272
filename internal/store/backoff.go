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
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newRetryBackOff builds the exponential backoff policy used to retry
// transient EtcdStore errors (connection drop, leader election) per
// spec.md §4.1's failure semantics: unbounded retries, capped interval.
func newRetryBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // unbounded: reconnection is mandatory, never gives up
	return backoff.WithContext(b, ctx)
}

// retryTransient runs op, retrying with backoff while isTransient(err) is
// true, until it succeeds, ctx is canceled, or op returns a non-transient
// error (propagated immediately, e.g. ErrConflict).
func retryTransient(ctx context.Context, isTransient func(error) bool, op func() error) error {
	b := newRetryBackOff(ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
