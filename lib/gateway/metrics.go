/*
Copyright 2024 Bastion Labs, Inc.

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

package gateway

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Name:      "requests_total",
		Help:      "Proxied requests by service and response code.",
	}, []string{"service", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bastion",
		Name:      "request_duration_seconds",
		Help:      "End to end request latency through the gateway.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service"})

	authFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Name:      "auth_failures_total",
		Help:      "Authentication failures by kind.",
	}, []string{"kind"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	}, []string{"service", "scope"})

	lockoutRejectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bastion",
		Name:      "lockout_rejects_total",
		Help:      "Requests rejected because the caller is locked out.",
	})

	websocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bastion",
		Name:      "websocket_connections",
		Help:      "Open proxied WebSocket connections.",
	})
)

func observeRequest(service string, code int, seconds float64) {
	requestsTotal.WithLabelValues(service, strconv.Itoa(code)).Inc()
	requestDuration.WithLabelValues(service).Observe(seconds)
}
