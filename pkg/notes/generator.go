package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/synaptica-ai/intake/pkg/common/httpclient"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var ErrEmptyNoteID = errors.New("note service returned no id")

type Request struct {
	PatientID    string `json:"patient_id"`
	DocumentID   string `json:"document_id,omitempty"`
	SubmissionID string `json:"submission_id"`
	Source       string `json:"source,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type GeneratorConfig struct {
	BaseURL      string
	Timeout      time.Duration
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// HTTPGenerator asks the note service to draft a clinical note for a
// patient's intake document.
type HTTPGenerator struct {
	client *resty.Client
}

type createNoteResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHTTPGenerator(cfg GeneratorConfig) *HTTPGenerator {
	base := httpclient.New(cfg.Timeout)
	hc := base
	if cfg.ClientID != "" && cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		hc = cc.Client(ctx)
		hc.Timeout = cfg.Timeout
	}

	client := resty.NewWithClient(hc).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPGenerator{client: client}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (string, error) {
	var out createNoteResponse
	var apiErr errorResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/notes")
	if err != nil {
		return "", fmt.Errorf("failed to call note service: %w", err)
	}
	if resp.IsError() {
		if apiErr.Error != "" {
			return "", fmt.Errorf("note service error: %s (status: %d)", apiErr.Error, resp.StatusCode())
		}
		return "", fmt.Errorf("note service error (status: %d)", resp.StatusCode())
	}
	if out.ID == "" {
		return "", ErrEmptyNoteID
	}
	return out.ID, nil
}
