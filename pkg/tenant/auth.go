package tenant

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/synaptica-ai/intake/pkg/common/config"
)

var ErrUnauthorized = errors.New("webhook credential rejected")

// Shared-secret headers accepted for the header credential kind.
var SecretHeaders = []string{"X-Webhook-Secret", "X-Api-Key", "X-Intake-Secret", "X-Form-Secret"}

var defaultBasicUsernames = []string{"webhook", "intake", "api"}

type Credential struct {
	Kind     string
	Username string
	Secret   string
}

// PresentedCredential extracts the first credential the binding accepts.
func PresentedCredential(r *http.Request, binding config.SourceBinding) (Credential, bool) {
	if binding.Accepts(config.CredentialHeader) {
		for _, h := range SecretHeaders {
			if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
				return Credential{Kind: config.CredentialHeader, Secret: v}, true
			}
		}
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return Credential{}, false
	}
	if binding.Accepts(config.CredentialBearer) && len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return Credential{Kind: config.CredentialBearer, Secret: strings.TrimSpace(authz[7:])}, true
	}
	if binding.Accepts(config.CredentialBasic) {
		if user, pass, ok := r.BasicAuth(); ok {
			return Credential{Kind: config.CredentialBasic, Username: user, Secret: pass}, true
		}
	}
	return Credential{}, false
}

type CredentialSource interface {
	Credential(clinic Clinic) string
}

// Authenticator is the single webhook auth policy, parameterized per source
// by the credential kinds its binding accepts.
type Authenticator struct {
	credentials CredentialSource
}

func NewAuthenticator(credentials CredentialSource) *Authenticator {
	return &Authenticator{credentials: credentials}
}

func (a *Authenticator) Authenticate(r *http.Request, binding config.SourceBinding, clinic Clinic) error {
	cred, ok := PresentedCredential(r, binding)
	if !ok {
		return ErrUnauthorized
	}
	return a.Verify(cred, binding, clinic)
}

func (a *Authenticator) Verify(cred Credential, binding config.SourceBinding, clinic Clinic) error {
	stored := ""
	if a.credentials != nil && clinic.WebhookCredential != "" {
		stored = a.credentials.Credential(clinic)
	}

	switch cred.Kind {
	case config.CredentialHeader, config.CredentialBearer:
		if cred.Secret == "" {
			return ErrUnauthorized
		}
		if (binding.Secret != "" && cred.Secret == binding.Secret) || (stored != "" && cred.Secret == stored) {
			return nil
		}
	case config.CredentialBasic:
		if !basicUsernameAllowed(cred.Username, binding.BasicUsername) {
			return ErrUnauthorized
		}
		expected := stored
		if expected == "" {
			expected = binding.Secret
		}
		if constantTimeEqual(cred.Secret, expected) {
			return nil
		}
	}
	return ErrUnauthorized
}

func basicUsernameAllowed(username, configured string) bool {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return false
	}
	if configured != "" && username == strings.ToLower(configured) {
		return true
	}
	for _, u := range defaultBasicUsernames {
		if username == u {
			return true
		}
	}
	return false
}

func constantTimeEqual(presented, expected string) bool {
	if expected == "" || len(presented) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
