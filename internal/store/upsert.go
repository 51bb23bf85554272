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

import "context"

// Upsert overwrites key with value regardless of its current revision, by
// reading the current revision and retrying the CAS Put a bounded number
// of times if a concurrent writer races it. Used by single-writer-per-key
// records (e.g. /model_cache/..., /node_disk/..., /stats/...) where the
// caller doesn't need to condition on a specific prior value, just on not
// losing a same-process race.
func Upsert(ctx context.Context, s Store, key string, value []byte) (int64, error) {
	const maxAttempts = 5
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		kv, ok, err := s.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		expected := int64(0)
		if ok {
			expected = kv.Revision
		}
		rev, err := s.Put(ctx, key, value, expected)
		if err == nil {
			return rev, nil
		}
		if err != ErrConflict {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}
