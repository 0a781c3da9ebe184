package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Send path
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvp_messages_sent_total",
			Help: "Total messages written to the channel",
		},
		[]string{"request_type"},
	)

	PartsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kvp_parts_written_total",
			Help: "Total message parts written",
		},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kvp_send_failures_total",
			Help: "Total messages that could not be fully written",
		},
	)

	// Reassembly
	MessagesReassembled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kvp_messages_reassembled_total",
			Help: "Total messages reassembled from complete part groups",
		},
	)

	PartIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvp_part_issues_total",
			Help: "Per-entry conditions observed during poll passes",
		},
		[]string{"kind"}, // malformed_key, inconsistent_total, duplicate_index, read_failure, delete_failure
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvp_poll_duration_seconds",
			Help:    "Duration of one reassembly pass",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	PollFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kvp_poll_failures_total",
			Help: "Total passes aborted because the channel was unavailable",
		},
	)

	GroupsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kvp_groups_purged_total",
			Help: "Total incomplete part groups removed by the retention policy",
		},
	)

	// Correlation
	RequestsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvp_requests_pending",
			Help: "Requests awaiting a response",
		},
	)

	RequestsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kvp_requests_expired_total",
			Help: "Total requests that timed out waiting for a response",
		},
	)

	UnmatchedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kvp_unmatched_responses_total",
			Help: "Total reassembled messages with no pending request",
		},
	)

	// Agent
	RequestsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvp_agent_requests_total",
			Help: "Total requests handled by the guest agent",
		},
		[]string{"request_type", "response_type"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvp_agent_queue_depth",
			Help: "Queued long-running requests",
		},
	)
)

// Part issue kinds.
const (
	IssueMalformedKey      = "malformed_key"
	IssueInconsistentTotal = "inconsistent_total"
	IssueDuplicateIndex    = "duplicate_index"
	IssueReadFailure       = "read_failure"
	IssueDeleteFailure     = "delete_failure"
)
