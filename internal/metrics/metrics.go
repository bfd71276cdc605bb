package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "election"

const (
	ResultVerified = "verified"
	ResultMismatch = "mismatch"
)

var (
	BallotsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "ballots_appended_total",
		Help:      "Ballot rows appended to election chains.",
	})

	VoteRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "vote_rejections_total",
		Help:      "Vote submissions rejected before any ledger write, by reason.",
	}, []string{"reason"})

	ChainConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "chain_conflicts_total",
		Help:      "Appends retried because the stored chain head moved.",
	})

	ElectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "closed_total",
		Help:      "Elections transitioned to CLOSED, by trigger.",
	}, []string{"trigger"})

	CloseRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quorum",
		Name:      "close_requests_total",
		Help:      "Accepted admin close requests.",
	})

	IntegrityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "integrity",
		Name:      "checks_total",
		Help:      "Chain verifications, by result.",
	}, []string{"result"})
)
