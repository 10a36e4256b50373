package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agora/internal/config"
	"agora/internal/engine"
	"agora/internal/repo"
)

// ResolveSpaceAndConfig picks the active space and ensures a space plus its
// policy configuration exist in the database, seeding defaults when missing.
// It prefers the override, then falls back to a single-space database. If the
// space does not exist, it is created on the fly with the actor as admin.
func ResolveSpaceAndConfig(ctx context.Context, workspace, spaceOverride, actorID string, e engine.Engine) (string, *config.Config, error) {
	spaceID := spaceOverride
	if spaceID == "" {
		if s, err := e.Repo.SingleSpace(ctx); err == nil {
			spaceID = s.ID
		} else {
			return "", nil, fmt.Errorf("space not specified; use --space")
		}
	}

	if _, err := e.Repo.GetSpace(ctx, spaceID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := e.InitSpace(ctx, spaceID, spaceID, "", actorID); err != nil {
			return "", nil, fmt.Errorf("create space: %w", err)
		}
	}

	// Prefer a file config in the workspace; fall back to the stored one.
	if cfg, err := config.LoadOptional(workspace); err != nil {
		return "", nil, err
	} else if cfg != nil {
		cfg.Space.ID = spaceID
		return spaceID, cfg, nil
	}

	raw, err := e.Repo.GetSpaceConfig(ctx, spaceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return spaceID, config.Default(spaceID), nil
		}
		return "", nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return "", nil, fmt.Errorf("decode space config: %w", err)
	}
	cfg.Space.ID = spaceID
	return spaceID, &cfg, nil
}
