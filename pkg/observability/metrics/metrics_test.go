package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersExposed(t *testing.T) {
	before := Snapshot()
	Received()
	Warnings(2)

	after := Snapshot()
	assert.Equal(t, before["intake_webhooks_received_total"]+1, after["intake_webhooks_received_total"])
	assert.Equal(t, before["intake_side_effect_warnings_total"]+2, after["intake_side_effect_warnings_total"])

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "# TYPE intake_webhooks_received_total counter")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
