package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tableassist_model_calls_total",
			Help: "Total number of model completion calls by task and outcome.",
		},
		[]string{"task", "outcome"},
	)
	modelCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tableassist_model_call_duration_seconds",
			Help:    "Model completion latency by task.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"task"},
	)
	responseCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tableassist_response_cache_lookups_total",
			Help: "Total number of response cache lookups by result.",
		},
		[]string{"result"},
	)
	sessionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tableassist_sessions_finished_total",
			Help: "Total number of query sessions reaching a terminal status.",
		},
		[]string{"status"},
	)
	statementExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tableassist_statement_executions_total",
			Help: "Total number of approved statement executions by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		modelCallsTotal,
		modelCallDurationSeconds,
		responseCacheLookupsTotal,
		sessionsFinishedTotal,
		statementExecutionsTotal,
	)
}

func ObserveModelCall(task string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	modelCallsTotal.WithLabelValues(task, outcome).Inc()
	modelCallDurationSeconds.WithLabelValues(task).Observe(elapsed.Seconds())
}

func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	responseCacheLookupsTotal.WithLabelValues(result).Inc()
}

func ObserveSessionFinished(status string) {
	sessionsFinishedTotal.WithLabelValues(status).Inc()
}

func ObserveStatementExecution(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	statementExecutionsTotal.WithLabelValues(outcome).Inc()
}
