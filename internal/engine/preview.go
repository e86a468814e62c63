package engine

import (
	"context"
	"fmt"

	"synthseed/internal/config"
	"synthseed/internal/domain"
	"synthseed/internal/prng"
	"synthseed/internal/provision"
	"synthseed/internal/repo"
	"synthseed/internal/sample"
)

// Preview shows which users a run with req would assign to one catalog
// item and which rows it would write. Nothing is written.
func (e Engine) Preview(ctx context.Context, req domain.SeedingRequest, contentID string) (domain.PlanPreview, error) {
	req = e.Defaults.Resolve(req)
	items, err := e.Repo.ListMindblocks(ctx)
	if err != nil {
		return domain.PlanPreview{}, fmt.Errorf("load catalog: %w", err)
	}
	slot := -1
	for i, it := range items {
		if it.ID == contentID {
			slot = i
			break
		}
	}
	if slot < 0 {
		return domain.PlanPreview{}, fmt.Errorf("mindblock %s: %w", contentID, repo.ErrNotFound)
	}

	n, k := req.CountUsers, req.CoveragePerMindblock
	w := sample.WindowEndingAt(e.anchor(req), req.Days)
	master := prng.MasterSeed(req.CohortLabel, n, k)
	var p itemPlan
	if req.StreamMode == config.StreamSingle {
		// The shared stream has to be replayed through every earlier item.
		src := prng.New(master)
		for i := 0; i <= slot; i++ {
			p = planItem(src, items[i], n, k, w)
		}
	} else {
		p = planItem(prng.New(prng.SubSeed(master, slot, contentID)), items[slot], n, k, w)
	}

	out := domain.PlanPreview{ContentID: contentID, CatalogSlot: slot, StreamMode: req.StreamMode}
	for j, ui := range p.users {
		email := provision.Email(ui)
		id := provision.UserID(email)
		seeded, err := e.Guard.Seeded(ctx, contentID, id, req.CohortLabel)
		if err != nil {
			return out, err
		}
		pair := domain.PlannedPair{UserIndex: ui, UserID: id, Email: email, Seeded: seeded}
		for _, row := range p.drafts[j].Rows(req.CohortLabel, contentID, domain.SyntheticUser{ID: id}) {
			pair.Actions = append(pair.Actions, row.Action.String())
		}
		out.Pairs = append(out.Pairs, pair)
	}
	return out, nil
}
