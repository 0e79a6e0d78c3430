package engine

import (
	"context"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

// SaveLayout stores a new catalog arrangement snapshot, inactive.
func (e *Engine) SaveLayout(ctx context.Context, name, sourceType string, categories []map[string]interface{}) (*relationaldb.Layout, error) {
	if name == "" {
		return nil, types.Validation("layout name must not be empty")
	}
	layout := &relationaldb.Layout{
		Name:       name,
		SourceType: sourceType,
		Categories: categories,
		IsActive:   false,
	}
	if err := e.repos.Layouts().Insert(ctx, layout); err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to save layout", err)
	}
	e.log.Info().Str("name", name).Int64("id", layout.ID).Msg("Layout saved")
	return layout, nil
}

// ActivateLayout makes one snapshot active and every other inactive, in one
// envelope.
func (e *Engine) ActivateLayout(ctx context.Context, layoutID int64) (*relationaldb.Layout, error) {
	err := e.withEnvelope(ctx, func(tc relationaldb.TransactionContext) error {
		if _, err := tc.Layouts().FindByID(ctx, layoutID); err != nil {
			if relationaldb.IsNotFound(err) {
				return types.NotFound("layout", layoutID)
			}
			return types.WrapError(types.KindInternal, "failed to load layout", err)
		}
		if err := tc.Layouts().DeactivateAll(ctx); err != nil {
			return types.WrapError(types.KindInternal, "failed to deactivate layouts", err)
		}
		if err := tc.Layouts().SetActive(ctx, layoutID); err != nil {
			return types.WrapError(types.KindInternal, "failed to activate layout", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	layout, err := e.repos.Layouts().FindByID(ctx, layoutID)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to reload layout", err)
	}
	return layout, nil
}

// GetActiveLayout returns the active snapshot, falling back to the most
// recent one when none is marked active. NotFound when no layouts exist.
func (e *Engine) GetActiveLayout(ctx context.Context) (*relationaldb.Layout, error) {
	layout, err := e.repos.Layouts().GetActive(ctx)
	if err == nil {
		return layout, nil
	}
	if !relationaldb.IsNotFound(err) {
		return nil, types.WrapError(types.KindInternal, "failed to load active layout", err)
	}
	layout, err = e.repos.Layouts().GetMostRecent(ctx)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return nil, types.NotFound("layout", 0)
		}
		return nil, types.WrapError(types.KindInternal, "failed to load recent layout", err)
	}
	return layout, nil
}

// ListLayouts returns every stored snapshot, newest first.
func (e *Engine) ListLayouts(ctx context.Context) ([]relationaldb.Layout, error) {
	layouts, err := e.repos.Layouts().List(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to list layouts", err)
	}
	return layouts, nil
}
