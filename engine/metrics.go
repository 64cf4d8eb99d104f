package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var admitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "gatekeep_admit_duration_sec",
	Help:    "Duration of member admission handling",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
})

var admitCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_admissions",
	Help: "Number of member admissions, by outcome",
}, []string{"outcome"})

var admitRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_admission_rollbacks",
	Help: "Number of admissions undone after a transport failure",
}, []string{"stage"})

var challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_challenges_issued",
	Help: "Number of challenges sent to the holding area",
}, []string{"kind"})

var answerCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_answers",
	Help: "Number of submitted answers, by result",
}, []string{"result"})

var verdictCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_verdicts",
	Help: "Number of terminal verification transitions",
}, []string{"verdict"})

var asyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_async_errors",
	Help: "Number of deferred announcement tasks that failed",
}, []string{"task"})

var operationPanics = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_operation_panics",
	Help: "Number of engine operations that recovered from a panic",
}, []string{"op"})
