package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"synthseed/internal/domain"
	"synthseed/internal/engine"
	"synthseed/internal/logging"
)

func registerSeed(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "seed",
		Method:      http.MethodPost,
		Path:        "/seed",
		Summary:     "Run a seeding pass",
		Description: "Accepts a JSON object with any of count_users, coverage_per_mindblock, days, cohort_label, " +
			"with_orgs, with_journeys, with_notifications, anchor, stream_mode and workers. " +
			"Missing or malformed fields take their defaults; an unreadable body is treated as empty.",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SeedingReport `json:"body"`
	}, error) {
		if err := requirePermission(ctx, authCfg, PermSeedRun); err != nil {
			return nil, handleError(err)
		}
		report, err := e.Seed(ctx, decodeSeedRequest(bodyBytes(ctx)))
		if errors.Is(err, engine.ErrRunInProgress) {
			return nil, newAPIError(http.StatusConflict, "seed_in_progress", err.Error(), nil)
		}
		if err != nil {
			logging.Error().Err(err).Msg("seed request failed")
			return nil, newAPIError(http.StatusInternalServerError, "seed_failed", err.Error(), nil)
		}
		return &struct {
			Body domain.SeedingReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerCohorts(api huma.API, e engine.Engine, authCfg AuthConfig) {
	type cohortPath struct {
		Cohort string `path:"cohort"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "cohort-coverage",
		Method:      http.MethodGet,
		Path:        "/cohorts/{cohort}/coverage",
		Summary:     "Coverage report for a cohort",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *cohortPath) (*struct {
		Body domain.CohortReport `json:"body"`
	}, error) {
		if err := requirePermission(ctx, authCfg, PermSeedRead); err != nil {
			return nil, handleError(err)
		}
		rep, err := e.Report(ctx, input.Cohort)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CohortReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cohort-engagements",
		Method:      http.MethodGet,
		Path:        "/cohorts/{cohort}/engagements",
		Summary:     "List seeded engagement rows",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Cohort    string `path:"cohort"`
		ContentID string `query:"content_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body EngagementList `json:"body"`
	}, error) {
		if err := requirePermission(ctx, authCfg, PermSeedRead); err != nil {
			return nil, handleError(err)
		}
		rows, err := e.Repo.ListEngagements(ctx, input.Cohort, input.ContentID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := EngagementList{Items: make([]EngagementResponse, 0, len(rows))}
		for _, r := range rows {
			out.Items = append(out.Items, engagementResponse(r))
		}
		return &struct {
			Body EngagementList `json:"body"`
		}{Body: out}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "list-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "List mindblocks in seeding order",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogList `json:"body"`
	}, error) {
		if err := requirePermission(ctx, authCfg, PermSeedRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMindblocks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Mindblock{}
		}
		return &struct {
			Body CatalogList `json:"body"`
		}{Body: CatalogList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-catalog",
		Method:      http.MethodPost,
		Path:        "/catalog",
		Summary:     "Upsert mindblocks",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CatalogImportRequest `json:"body"`
	}) (*struct {
		Body CatalogImportResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, authCfg, PermCatalogEdit); err != nil {
			return nil, handleError(err)
		}
		items := make([]domain.Mindblock, 0, len(input.Body.Items))
		for _, it := range input.Body.Items {
			if strings.TrimSpace(it.ID) == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "mindblock id required", nil)
			}
			items = append(items, domain.Mindblock{ID: strings.TrimSpace(it.ID), Title: it.Title})
		}
		n, err := e.Repo.UpsertMindblocks(ctx, items)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CatalogImportResponse `json:"body"`
		}{Body: CatalogImportResponse{Upserted: n}}, nil
	})
}

func registerPlan(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "plan-preview",
		Method:      http.MethodGet,
		Path:        "/plan/{content_id}",
		Summary:     "Preview the assignment of one mindblock",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ContentID  string `path:"content_id"`
		Cohort     string `query:"cohort_label"`
		CountUsers int    `query:"count_users"`
		Coverage   int    `query:"coverage_per_mindblock"`
		Days       int    `query:"days"`
		Anchor     string `query:"anchor"`
		StreamMode string `query:"stream_mode"`
	}) (*struct {
		Body domain.PlanPreview `json:"body"`
	}, error) {
		if err := requirePermission(ctx, authCfg, PermSeedRead); err != nil {
			return nil, handleError(err)
		}
		preview, err := e.Preview(ctx, domain.SeedingRequest{
			CountUsers:           input.CountUsers,
			CoveragePerMindblock: input.Coverage,
			Days:                 input.Days,
			CohortLabel:          input.Cohort,
			Anchor:               input.Anchor,
			StreamMode:           input.StreamMode,
		}, input.ContentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PlanPreview `json:"body"`
		}{Body: preview}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent run events",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Cohort string `query:"cohort_label"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if err := requirePermission(ctx, authCfg, PermSeedRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Cohort, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Items: items}}, nil
	})
}
