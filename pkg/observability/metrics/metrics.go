package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	intakeReceived     atomic.Int64
	intakeDuplicates   atomic.Int64
	intakeSucceeded    atomic.Int64
	intakeUnmatched    atomic.Int64
	intakeFailed       atomic.Int64
	intakeDeadLettered atomic.Int64
	securityFaults     atomic.Int64
	sideEffectWarnings atomic.Int64
)

type counter struct {
	name  string
	help  string
	value *atomic.Int64
}

var counters = []counter{
	{"intake_webhooks_received_total", "Webhook deliveries received.", &intakeReceived},
	{"intake_webhooks_duplicate_total", "Deliveries answered from the idempotency store or rejected as in flight.", &intakeDuplicates},
	{"intake_webhooks_processed_total", "Deliveries that committed a patient record.", &intakeSucceeded},
	{"intake_webhooks_unmatched_total", "Deliveries stored as unmatched submissions.", &intakeUnmatched},
	{"intake_webhooks_failed_total", "Deliveries answered with a 4xx or 5xx status.", &intakeFailed},
	{"intake_dead_letters_total", "Payloads handed to the dead-letter queue.", &intakeDeadLettered},
	{"intake_security_faults_total", "Authentication failures and tenant mismatches.", &securityFaults},
	{"intake_side_effect_warnings_total", "Best-effort steps that failed after the patient write.", &sideEffectWarnings},
}

func Received() { intakeReceived.Add(1) }
func Duplicate() { intakeDuplicates.Add(1) }
func Succeeded() { intakeSucceeded.Add(1) }
func Unmatched() { intakeUnmatched.Add(1) }
func Failed() { intakeFailed.Add(1) }
func DeadLettered() { intakeDeadLettered.Add(1) }
func SecurityFault() { securityFaults.Add(1) }
func Warnings(n int) { sideEffectWarnings.Add(int64(n)) }

// Snapshot returns the current counter values keyed by metric name.
func Snapshot() map[string]int64 {
	out := make(map[string]int64, len(counters))
	for _, c := range counters {
		out[c.name] = c.value.Load()
	}
	return out
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, c := range counters {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(w, "%s %d\n", c.name, c.value.Load())
	}
}

func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WritePrometheus(w)
	})
}
