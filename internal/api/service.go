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

// Package api is the management surface spec.md §6 names but leaves
// undistilled: Model CRUD, Lifecycle, Templates, and Cache&Disk, as a
// plain Go Service over the Store. No transport is implemented here —
// spec.md's explicit scope cut — this is the boundary a REST/gRPC
// handler would call into.
package api

import (
	"github.com/vllm-project/fleet-controlplane/internal/aggregation"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

// Service is the management-API boundary. It has no goroutines of its
// own: every method reads or writes the Store directly and returns.
// Scheduling, node reconciliation, and routing continue to happen in
// their own controllers, driven by the Store writes a Service call
// makes (e.g. Start writes a Deployment; the scheduler's watch picks it
// up on its own).
type Service struct {
	Store store.Store
	// AggregationConfig tunes ListModels/GetModel's failure threshold.
	AggregationConfig aggregation.Config
}

// New builds a Service over s.
func New(s store.Store, cfg aggregation.Config) *Service {
	return &Service{Store: s, AggregationConfig: cfg}
}
