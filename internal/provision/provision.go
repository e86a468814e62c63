// Package provision builds the fixed-size synthetic user pool a seeding run
// draws from, together with its organizations.
package provision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"synthseed/internal/domain"
	"synthseed/internal/logging"
	"synthseed/internal/metrics"
	"synthseed/internal/repo"
)

// Orgs in assignment order with the share of the pool each receives.
var Orgs = []string{"alpha", "beta", "gamma"}

const (
	alphaShare = 0.6
	betaShare  = 0.3
)

var Personas = []string{
	"motivated_beginner",
	"struggling_returner",
	"high_risk_relapse",
	"stable_maintainer",
	"crisis_intervention",
	"family_concerned",
	"mandated_treatment",
	"dual_diagnosis",
	"chronic_relapser",
	"early_recovery",
}

// Email is the address of the i-th (zero-based) synthetic user.
func Email(i int) string {
	return fmt.Sprintf("synthetic+%05d@example.com", i+1)
}

// UserID is stable for an email so repeated runs address the same users.
func UserID(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(email)).String()
}

func orgID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("organization:"+name)).String()
}

// OrgIndex maps a user index onto Orgs: the first 60% go to alpha, the next
// 30% to beta, the rest to gamma.
func OrgIndex(i, n int) int {
	nA := int(math.Floor(float64(n)*alphaShare + 0.5))
	nB := int(math.Floor(float64(n)*betaShare + 0.5))
	switch {
	case i < nA:
		return 0
	case i < nA+nB:
		return 1
	default:
		return 2
	}
}

type Provisioner struct {
	Repo repo.Repo
	Now  func() time.Time
	Log  zerolog.Logger
}

func New(r repo.Repo) Provisioner {
	return Provisioner{Repo: r, Now: time.Now, Log: logging.With("provision")}
}

// Provision ensures count synthetic users exist and returns them in pool
// order. Profile and membership failures are fatal; sim_users bookkeeping
// is best-effort.
func (p Provisioner) Provision(ctx context.Context, req domain.SeedingRequest) ([]domain.SyntheticUser, error) {
	var orgIDs []string
	if req.Orgs() {
		for _, name := range Orgs {
			id, err := p.ensureOrg(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("ensure org %s: %w", name, err)
			}
			orgIDs = append(orgIDs, id)
		}
	}
	n := req.CountUsers
	users := make([]domain.SyntheticUser, n)
	for i := range users {
		email := Email(i)
		users[i] = domain.SyntheticUser{
			ID:      UserID(email),
			Email:   email,
			Persona: Personas[i%len(Personas)],
		}
		if orgIDs != nil {
			id := orgIDs[OrgIndex(i, n)]
			users[i].OrganizationID = &id
		}
	}
	if err := p.Repo.UpsertProfiles(ctx, users, req.CohortLabel); err != nil {
		return nil, fmt.Errorf("upsert profiles: %w", err)
	}
	if orgIDs != nil {
		if err := p.Repo.UpsertOrgMembers(ctx, users); err != nil {
			return nil, fmt.Errorf("upsert org members: %w", err)
		}
	}
	startedAt := p.now().UTC().Format(time.RFC3339)
	if err := p.Repo.UpsertSimUsers(ctx, users, req.CohortLabel, startedAt); err != nil {
		metrics.AuxiliaryWriteErrors.WithLabelValues("sim_users").Inc()
		p.Log.Warn().Err(err).Msg("sim_users upsert failed; continuing")
	}
	return users, nil
}

func (p Provisioner) ensureOrg(ctx context.Context, name string) (string, error) {
	found, err := p.Repo.FindOrgByName(ctx, name)
	if err == nil {
		return found.ID, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	o := domain.Organization{ID: orgID(name), Name: name}
	if err := p.Repo.InsertOrg(ctx, o); err != nil {
		return "", err
	}
	return o.ID, nil
}

func (p Provisioner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
