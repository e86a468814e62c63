package synthseedsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal synthseed HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Seeding is synchronous, so the
// default timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Minute,
	}
}

// SeedRequest mirrors the seed body. Zero values are omitted and take the
// server defaults.
type SeedRequest struct {
	CountUsers           int    `json:"count_users,omitempty"`
	CoveragePerMindblock int    `json:"coverage_per_mindblock,omitempty"`
	Days                 int    `json:"days,omitempty"`
	CohortLabel          string `json:"cohort_label,omitempty"`
	WithOrgs             *bool  `json:"with_orgs,omitempty"`
	WithJourneys         *bool  `json:"with_journeys,omitempty"`
	WithNotifications    *bool  `json:"with_notifications,omitempty"`
	Anchor               string `json:"anchor,omitempty"`
	StreamMode           string `json:"stream_mode,omitempty"`
}

type SeedReport struct {
	UsersCreated               int `json:"users_created"`
	EngagementsCreated         int `json:"engagements_created"`
	MindblocksCovered          int `json:"mindblocks_covered"`
	MinEngagementsPerMindblock int `json:"min_engagements_per_mindblock"`
	MaxEngagementsPerMindblock int `json:"max_engagements_per_mindblock"`
	PairsConsidered            int `json:"pairs_considered"`
	PairsSkipped               int `json:"pairs_skipped"`
}

type CohortReport struct {
	CohortLabel                string         `json:"cohort_label"`
	Profiles                   int            `json:"profiles"`
	Engagements                int            `json:"engagements"`
	ByAction                   map[string]int `json:"by_action"`
	MindblocksCovered          int            `json:"mindblocks_covered"`
	MinEngagementsPerMindblock int            `json:"min_engagements_per_mindblock"`
	MaxEngagementsPerMindblock int            `json:"max_engagements_per_mindblock"`
}

type Mindblock struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Event represents a run audit entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	CohortLabel string         `json:"cohort_label"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	Payload     map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Seed runs a seeding pass and returns its report.
func (c *Client) Seed(ctx context.Context, req SeedRequest) (SeedReport, error) {
	var resp SeedReport
	err := c.do(ctx, http.MethodPost, "v0/seed", req, &resp)
	return resp, err
}

// Coverage recomputes the report for a cohort without seeding.
func (c *Client) Coverage(ctx context.Context, cohort string) (CohortReport, error) {
	var resp CohortReport
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/cohorts/%s/coverage", url.PathEscape(cohort)), nil, &resp)
	return resp, err
}

func (c *Client) Catalog(ctx context.Context) ([]Mindblock, error) {
	var resp struct {
		Items []Mindblock `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/catalog", nil, &resp)
	return resp.Items, err
}

// ImportCatalog upserts mindblocks and returns how many were written.
func (c *Client) ImportCatalog(ctx context.Context, items []Mindblock) (int, error) {
	var resp struct {
		Upserted int `json:"upserted"`
	}
	err := c.do(ctx, http.MethodPost, "v0/catalog", map[string]any{"items": items}, &resp)
	return resp.Upserted, err
}

// Events returns recent run events, optionally for one cohort.
func (c *Client) Events(ctx context.Context, cohort string, limit int) ([]Event, error) {
	q := url.Values{}
	if cohort != "" {
		q.Set("cohort_label", cohort)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
