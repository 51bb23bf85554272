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
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// metricNames are the three families spec.md §6 requires of every engine
// process's Prometheus-format metrics endpoint.
const (
	metricPendingRequests  = "num_requests_waiting"
	metricKVCacheUsagePerc = "gpu_cache_usage_perc"
	metricPrefixHitRate    = "prefix_cache_hit_rate"
)

// MetricsScraper fetches and parses an engine's /metrics endpoint with
// prometheus/common/expfmt — the teacher's prometheus/client_golang
// dependency pair used the other direction, parsing instead of exposing.
type MetricsScraper struct {
	client *http.Client
}

// NewMetricsScraper builds a scraper whose HTTP GET times out at timeout.
func NewMetricsScraper(timeout time.Duration) *MetricsScraper {
	return &MetricsScraper{client: &http.Client{Timeout: timeout}}
}

// Scrape fetches address+"/metrics" and extracts the three engine
// statistics the router's strategies and the aggregation service need.
func (m *MetricsScraper) Scrape(ctx context.Context, address string) (pendingRequests float64, kvCacheUsagePerc float64, prefixHitRate float64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address+"/metrics", nil)
	if err != nil {
		return 0, 0, 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, 0, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, 0, err
	}
	return ParseEngineMetrics(body)
}

// ParseEngineMetrics parses Prometheus text-format exposition data and
// pulls out the gauges the router and aggregator need.
func ParseEngineMetrics(text []byte) (pendingRequests, kvCacheUsagePerc, prefixHitRate float64, err error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(text))
	if err != nil {
		return 0, 0, 0, err
	}
	pendingRequests = firstGaugeValue(families[metricPendingRequests])
	kvCacheUsagePerc = firstGaugeValue(families[metricKVCacheUsagePerc])
	prefixHitRate = firstGaugeValue(families[metricPrefixHitRate])
	return pendingRequests, kvCacheUsagePerc, prefixHitRate, nil
}

func firstGaugeValue(mf *dto.MetricFamily) float64 {
	if mf == nil || len(mf.Metric) == 0 {
		return 0
	}
	metric := mf.Metric[0]
	switch {
	case metric.Gauge != nil:
		return metric.Gauge.GetValue()
	case metric.Counter != nil:
		return metric.Counter.GetValue()
	case metric.Untyped != nil:
		return metric.Untyped.GetValue()
	default:
		return 0
	}
}

// StatsFromScrape converts a raw scrape into EndpointStats, deriving the
// KV cache total/used pair routers use for admission control from a
// single usage-percentage gauge (engines expose a ratio, not raw
// used/total byte counts).
func StatsFromScrape(uid, replicaID string, pendingRequests, kvCacheUsagePerc, prefixHitRate float64) model.EndpointStats {
	return model.EndpointStats{
		UID:                uid,
		ReplicaID:          replicaID,
		PendingRequests:    int(pendingRequests),
		KVCacheUsed:        kvCacheUsagePerc,
		KVCacheTotal:       1.0,
		PrefixCacheHitRate: prefixHitRate,
	}
}
