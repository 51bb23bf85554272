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

// Package apierrors defines the sentinel error kinds surfaced across the
// fleet control plane. Callers compare with errors.Is; packages that need
// to carry extra context wrap one of these with fmt.Errorf("%w", ...).
package apierrors

import "errors"

var (
	// ErrNotFound is returned when a required record is absent from the store.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap write loses the race.
	ErrConflict = errors.New("conflict")
	// ErrInvalid is returned for a malformed uid, unknown source, or a
	// missing field the API requires (e.g. model_path for source=local).
	ErrInvalid = errors.New("invalid")
	// ErrCapacityUnavailable is returned by the placement planner when no
	// node/GPU set satisfies the requested affinities and VRAM.
	ErrCapacityUnavailable = errors.New("capacity unavailable")
	// ErrDownloadFailed is returned after the cache manager exhausts its
	// retry budget for a model download.
	ErrDownloadFailed = errors.New("download failed")
	// ErrEngineStartFailed is returned when an engine process does not
	// become ready within its startup timeout.
	ErrEngineStartFailed = errors.New("engine start failed")
	// ErrUnavailable is returned by the router when no endpoint survives
	// filtering.
	ErrUnavailable = errors.New("no ready endpoint available")
	// ErrOverloaded is returned by the router's admission control when
	// every surviving endpoint is saturated.
	ErrOverloaded = errors.New("overloaded")
	// ErrStoreUnavailable is returned when the store connection could not
	// be recovered within a bounded retry window; callers log and keep
	// retrying rather than crash.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrPlacementContention is returned by the scheduler when CAS writes
	// to a PlacementPlan keep losing the race past the retry bound.
	ErrPlacementContention = errors.New("placement contention")
	// ErrSpecNotFound is returned by the scheduler when a Deployment
	// references a Spec that does not exist.
	ErrSpecNotFound = errors.New("spec not found")
	// ErrInsufficientDiskSpace is returned by the cache manager's
	// pre-flight check when a model's expected size exceeds the cache
	// root's free bytes; the download is refused before it starts.
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")
)
