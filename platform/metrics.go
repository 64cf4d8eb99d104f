package platform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transportRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_transport_retries",
	Help: "Number of transport calls retried, by method and reason",
}, []string{"method", "reason"})

var transportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_transport_errors",
	Help: "Number of transport calls that failed after retries",
}, []string{"method"})

var gatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_gateway_requests",
	Help: "Number of bot gateway requests, by method and outcome",
}, []string{"method", "outcome"})
