package server

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"synthseed/internal/domain"
)

// decodeSeedRequest never fails: an unreadable body is an empty request and
// an unreadable field is left unset, so defaults apply to both.
func decodeSeedRequest(raw []byte) domain.SeedingRequest {
	var fields map[string]json.RawMessage
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &fields) != nil {
		return domain.SeedingRequest{}
	}
	return domain.SeedingRequest{
		CountUsers:           looseInt(fields["count_users"]),
		CoveragePerMindblock: looseInt(fields["coverage_per_mindblock"]),
		Days:                 looseInt(fields["days"]),
		CohortLabel:          looseString(fields["cohort_label"]),
		WithOrgs:             looseBool(fields["with_orgs"]),
		WithJourneys:         looseBool(fields["with_journeys"]),
		WithNotifications:    looseBool(fields["with_notifications"]),
		Anchor:               looseString(fields["anchor"]),
		StreamMode:           looseString(fields["stream_mode"]),
		Workers:              looseInt(fields["workers"]),
	}
}

func looseInt(raw json.RawMessage) int {
	if raw == nil {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt32 {
		return 0
	}
	return int(f)
}

func looseString(raw json.RawMessage) string {
	var s string
	if raw == nil || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func looseBool(raw json.RawMessage) *bool {
	if raw == nil || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &b
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return nil
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
		return &b
	}
	return nil
}

type EngagementResponse struct {
	IndividualID    string               `json:"individual_id"`
	OrganizationID  string               `json:"organization_id,omitempty"`
	ContentID       string               `json:"content_id"`
	Action          string               `json:"action" enum:"viewed,started,completed,rated"`
	DurationSeconds *int                 `json:"duration_seconds,omitempty"`
	Metadata        domain.EventMetadata `json:"metadata"`
	CreatedAt       string               `json:"created_at" format:"date-time"`
}

func engagementResponse(e domain.EngagementEvent) EngagementResponse {
	out := EngagementResponse{
		IndividualID:    e.UserID,
		ContentID:       e.ContentID,
		Action:          e.Action.String(),
		DurationSeconds: e.DurationSeconds,
		Metadata:        e.Metadata,
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
	}
	if e.OrganizationID != nil {
		out.OrganizationID = *e.OrganizationID
	}
	return out
}

type EngagementList struct {
	Items []EngagementResponse `json:"items"`
}

type CatalogItemRequest struct {
	ID    string `json:"id" minLength:"1"`
	Title string `json:"title,omitempty"`
}

type CatalogImportRequest struct {
	Items []CatalogItemRequest `json:"items" minItems:"1"`
}

type CatalogImportResponse struct {
	Upserted int `json:"upserted"`
}

type CatalogList struct {
	Items []domain.Mindblock `json:"items"`
}

type EventList struct {
	Items []domain.Event `json:"items"`
}
