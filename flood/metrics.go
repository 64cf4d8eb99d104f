package flood

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var floodEntered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gatekeep_flood_entered",
	Help: "Number of times a group entered flood mode",
})

var floodExited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gatekeep_flood_exited",
	Help: "Number of times a group left flood mode",
})

var floodBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gatekeep_flood_broadcasts",
	Help: "Number of flood static broadcasts sent",
})
