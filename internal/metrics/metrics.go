// Package metrics exposes Prometheus instruments for attendance submissions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Submission outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeNotFound = "not_found"
	OutcomeExpired  = "expired"
	OutcomeConflict = "conflict"
	OutcomeNoMatch  = "no_match"
	OutcomeInvalid  = "invalid"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
)

// Recorder collects submission metrics. A nil *Recorder is a no-op.
type Recorder struct {
	submissions *prometheus.CounterVec
	signals     *prometheus.CounterVec
	duration    prometheus.Histogram
	sessions    prometheus.Counter
}

// New registers the attendance instruments on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classattend",
			Name:      "submissions_total",
			Help:      "Attendance submissions by outcome and biometric mode.",
		}, []string{"outcome", "mode"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classattend",
			Name:      "signals_total",
			Help:      "Per-signal results of accepted submissions.",
		}, []string{"signal", "valid"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "classattend",
			Name:      "submission_duration_seconds",
			Help:      "Time spent verifying a submission.",
			Buckets:   prometheus.DefBuckets,
		}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classattend",
			Name:      "sessions_created_total",
			Help:      "Attendance sessions opened.",
		}),
	}
	reg.MustRegister(r.submissions, r.signals, r.duration, r.sessions)
	return r
}

// Submission records one finished submission.
func (r *Recorder) Submission(outcome, mode string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(outcome, mode).Inc()
	r.duration.Observe(elapsed.Seconds())
}

// Signals records the flags of an accepted submission.
func (r *Recorder) Signals(flags map[string]bool) {
	if r == nil {
		return
	}
	for name, ok := range flags {
		valid := "false"
		if ok {
			valid = "true"
		}
		r.signals.WithLabelValues(name, valid).Inc()
	}
}

// SessionCreated counts a new session.
func (r *Recorder) SessionCreated() {
	if r == nil {
		return
	}
	r.sessions.Inc()
}
