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

package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ProbeTimeouts is the three named timeouts generalized from the
// teacher's readinessProbe/livenessProbe/startupProbe shape.
type ProbeTimeouts struct {
	Startup          time.Duration
	LivenessInterval time.Duration
	LivenessTimeout  time.Duration
}

// DefaultProbeTimeouts mirrors the teacher's probe defaults
// (InitialDelaySeconds/PeriodSeconds/TimeoutSeconds) for a /health check.
func DefaultProbeTimeouts() ProbeTimeouts {
	return ProbeTimeouts{
		Startup:          30 * time.Second,
		LivenessInterval: 20 * time.Second,
		LivenessTimeout:  5 * time.Second,
	}
}

// Prober checks an engine's readiness endpoint. A thin interface so
// internal/node can be tested against a fake HTTP responder without
// coordinating real port allocation.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// HTTPProber is the production Prober, checking an engine's readiness
// endpoint over HTTP — the idiomatic stdlib tool for a single synchronous
// health check; no pack dependency improves on it for this.
type HTTPProber struct {
	client *http.Client
}

// NewProber builds an HTTPProber whose HTTP client times out each probe at
// timeout.
func NewProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

// Probe issues one GET against address+"/health" and reports whether it
// returned 2xx.
func (p *HTTPProber) Probe(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Prober = (*HTTPProber)(nil)
