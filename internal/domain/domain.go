package domain

import (
	"fmt"
	"time"
)

// ContentTypeMindblock is the only content type the seeder writes.
const ContentTypeMindblock = "mindblock"

// Action is the kind of a single engagement row.
type Action int

const (
	ActionViewed Action = iota
	ActionStarted
	ActionCompleted
	ActionRated
)

var actionNames = [...]string{"viewed", "started", "completed", "rated"}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(b []byte) error {
	v, ok := ParseAction(string(b))
	if !ok {
		return fmt.Errorf("unknown action %q", string(b))
	}
	*a = v
	return nil
}

// ParseAction maps a stored action name back to its enum value.
func ParseAction(s string) (Action, bool) {
	for i, n := range actionNames {
		if n == s {
			return Action(i), true
		}
	}
	return 0, false
}

// SeedingRequest is the immutable input of one seeding run.
type SeedingRequest struct {
	CountUsers           int    `json:"count_users" yaml:"count_users"`
	CoveragePerMindblock int    `json:"coverage_per_mindblock" yaml:"coverage_per_mindblock"`
	Days                 int    `json:"days" yaml:"days"`
	CohortLabel          string `json:"cohort_label" yaml:"cohort_label"`
	WithOrgs             *bool  `json:"with_orgs,omitempty" yaml:"with_orgs"`
	WithJourneys         *bool  `json:"with_journeys,omitempty" yaml:"with_journeys"`
	WithNotifications    *bool  `json:"with_notifications,omitempty" yaml:"with_notifications"`
	// Anchor pins the end of the timestamp window. Empty means the engine
	// clock at run start.
	Anchor     string `json:"anchor,omitempty" yaml:"anchor"`
	StreamMode string `json:"stream_mode,omitempty" yaml:"stream_mode" enum:"per_item,single"`
	Workers    int    `json:"workers,omitempty" yaml:"workers"`
}

// Orgs reports whether organization assignment is enabled.
func (r SeedingRequest) Orgs() bool { return r.WithOrgs != nil && *r.WithOrgs }

func (r SeedingRequest) Journeys() bool { return r.WithJourneys != nil && *r.WithJourneys }

func (r SeedingRequest) Notifications() bool {
	return r.WithNotifications != nil && *r.WithNotifications
}

// EventMetadata is stored as the metadata JSON column of an engagement row.
type EventMetadata struct {
	CohortLabel string  `json:"cohort_label"`
	SeedKey     string  `json:"seed_key"`
	Reflection  *string `json:"reflection,omitempty"`
	Rating      *int    `json:"rating,omitempty"`
}

// EngagementEvent is one append-only row of the engagement table.
type EngagementEvent struct {
	UserID          string        `json:"individual_id"`
	OrganizationID  *string       `json:"organization_id,omitempty"`
	ContentID       string        `json:"content_id"`
	Action          Action        `json:"action"`
	DurationSeconds *int          `json:"duration_seconds,omitempty"`
	Metadata        EventMetadata `json:"metadata"`
	CreatedAt       time.Time     `json:"created_at"`
}

// SeedKey is the per-pair dedupe token.
func SeedKey(cohort, contentID, userID string) string {
	return cohort + ":" + contentID + ":" + userID
}

// SyntheticUser is one member of the provisioned pool.
type SyntheticUser struct {
	ID             string  `json:"id"`
	Email          string  `json:"email"`
	OrganizationID *string `json:"organization_id,omitempty"`
	Persona        string  `json:"persona_key"`
}

type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Mindblock struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SeedingReport summarises a run. It is built once, after the final flush.
type SeedingReport struct {
	UsersCreated               int `json:"users_created"`
	EngagementsCreated         int `json:"engagements_created"`
	MindblocksCovered          int `json:"mindblocks_covered"`
	MinEngagementsPerMindblock int `json:"min_engagements_per_mindblock"`
	MaxEngagementsPerMindblock int `json:"max_engagements_per_mindblock"`
	PairsConsidered            int `json:"pairs_considered"`
	PairsSkipped               int `json:"pairs_skipped"`
}

// Coverage is the persisted per-cohort coverage used to build a report.
type Coverage struct {
	Covered int
	Min     int
	Max     int
}

type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	CohortLabel string         `json:"cohort_label"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	Payload     map[string]any `json:"payload"`
}

// CohortReport recomputes coverage for a cohort without seeding.
type CohortReport struct {
	CohortLabel                string         `json:"cohort_label"`
	Profiles                   int            `json:"profiles"`
	Engagements                int            `json:"engagements"`
	ByAction                   map[string]int `json:"by_action"`
	MindblocksCovered          int            `json:"mindblocks_covered"`
	MinEngagementsPerMindblock int            `json:"min_engagements_per_mindblock"`
	MaxEngagementsPerMindblock int            `json:"max_engagements_per_mindblock"`
}

// PlannedPair is one user of a previewed assignment and the actions a run
// would write for it.
type PlannedPair struct {
	UserIndex int      `json:"user_index"`
	UserID    string   `json:"user_id"`
	Email     string   `json:"email"`
	Actions   []string `json:"actions"`
	Seeded    bool     `json:"seeded"`
}

type PlanPreview struct {
	ContentID   string        `json:"content_id"`
	CatalogSlot int           `json:"catalog_slot"`
	StreamMode  string        `json:"stream_mode"`
	Pairs       []PlannedPair `json:"pairs"`
}

// SeedLease marks a cohort as being seeded by one run until ExpiresAt.
type SeedLease struct {
	CohortLabel string `json:"cohort_label"`
	RunID       string `json:"run_id"`
	AcquiredAt  string `json:"acquired_at" format:"date-time"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}
