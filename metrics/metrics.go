// Copyright 2022 The indisvc Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics of the indication service
type Metrics struct {
	// API metrics
	APIRequestsTotal *prometheus.CounterVec

	// Provider protocol metrics
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	PendingAsyncOperations  prometheus.Gauge

	// Subscription metrics
	ActiveSubscriptions   prometheus.Gauge
	SubscriptionsCreated  prometheus.Counter
	SubscriptionsDeleted  *prometheus.CounterVec
	FatalErrorReconciled  *prometheus.CounterVec
	PendingCreateRequests prometheus.Gauge
	QueuedIndications     prometheus.Gauge

	// Indication metrics
	IndicationsReceived  *prometheus.CounterVec
	IndicationsMatched   *prometheus.CounterVec
	IndicationsUnmatched prometheus.Counter
	DeliveriesTotal      *prometheus.CounterVec

	// Query metrics
	QueryCacheHits   prometheus.Counter
	QueryCacheMisses prometheus.Counter
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indisvc_api_requests_total",
			Help: "Total number of inbound service requests",
		},
		[]string{"request", "status"},
	)

	m.ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indisvc_provider_requests_total",
			Help: "Total number of subscription requests sent to providers",
		},
		[]string{"operation", "outcome"},
	)
	m.ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indisvc_provider_request_duration_seconds",
			Help:    "Provider subscription request round-trip time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	m.PendingAsyncOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "indisvc_pending_async_operations",
			Help: "Number of asynchronous provider operations awaiting completion",
		},
	)

	m.ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "indisvc_active_subscriptions",
			Help: "Number of subscriptions in the subscription index",
		},
	)
	m.SubscriptionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "indisvc_subscriptions_created_total",
			Help: "Total number of subscriptions activated",
		},
	)
	m.SubscriptionsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indisvc_subscriptions_deleted_total",
			Help: "Total number of subscriptions deactivated",
		},
		[]string{"reason"},
	)
	m.FatalErrorReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indisvc_fatal_error_reconciled_total",
			Help: "Total number of on-fatal-error policy applications",
		},
		[]string{"policy"},
	)
	m.PendingCreateRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "indisvc_pending_create_requests",
			Help: "Number of uncommitted create subscription requests",
		},
	)
	m.QueuedIndications = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "indisvc_queued_indications",
			Help: "Number of indications waiting for pending creates to clear",
		},
	)

	m.IndicationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indisvc_indications_received_total",
			Help: "Total number of indications received from providers",
		},
		[]string{"class"},
	)
	m.IndicationsMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indisvc_indications_matched_total",
			Help: "Total number of indication to subscription matches",
		},
		[]string{"class"},
	)
	m.IndicationsUnmatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "indisvc_indications_unmatched_total",
			Help: "Total number of indications without subscribers",
		},
	)
	m.DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indisvc_deliveries_total",
			Help: "Total number of indication deliveries to handlers",
		},
		[]string{"outcome"},
	)

	m.QueryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "indisvc_query_cache_hits_total",
			Help: "Total number of compiled query cache hits",
		},
	)
	m.QueryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "indisvc_query_cache_misses_total",
			Help: "Total number of compiled query cache misses",
		},
	)

	return m
}

// Outcome label value of a success flag
func Outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
