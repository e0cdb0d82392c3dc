package ingestion

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// DetectSource names the platform that sent r: the path segment wins, then
// the ?source= parameter, then platform-specific headers.
func DetectSource(r *http.Request) string {
	if s := strings.ToLower(strings.TrimSpace(mux.Vars(r)["source"])); s != "" {
		return s
	}
	if s := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source"))); s != "" {
		return s
	}
	if r.Header.Get("Typeform-Signature") != "" {
		return "typeform"
	}
	for name := range r.Header {
		if strings.HasPrefix(strings.ToLower(name), "x-formsort-") {
			return "formsort"
		}
	}
	if strings.Contains(strings.ToLower(r.UserAgent()), "jotform") {
		return "jotform"
	}
	return genericSource
}
