package app

import (
	"context"
	"errors"
	"fmt"

	"pulseboard/internal/config"
	"pulseboard/internal/engine"
	"pulseboard/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project +
// config exist in the DB, seeding defaults if missing. It prefers overrides,
// then single-project DB. If the project does not exist, it is created on
// the fly.
func ResolveProjectAndConfig(ctx context.Context, e engine.Engine, projectOverride, actorID string) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := e.Repo.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if _, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:      projectID,
			Name:    projectID,
			Status:  "active",
			ActorID: actorID,
		}); err != nil {
			return "", nil, fmt.Errorf("create project: %w", err)
		}
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			seedCfg := config.Default(projectID)
			if err := e.Repo.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed project config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
