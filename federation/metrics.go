package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_federation_published",
	Help: "Number of envelopes published, by channel",
}, []string{"channel"})

var publishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_federation_publish_errors",
	Help: "Number of failed envelope publishes, by channel",
}, []string{"channel"})

var channelHidden = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "gatekeep_federation_hidden",
	Help: "1 while publishing on the fallback channel",
})

var receiveCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_federation_received",
	Help: "Number of envelopes handled, by action and type",
}, []string{"action", "type"})

var receiveDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_federation_dropped",
	Help: "Number of inbound envelopes dropped, by reason",
}, []string{"reason"})
