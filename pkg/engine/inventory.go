package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/towerconf/pkg/tower"
)

// InventoryOptions selects what LoadInventory reads.
type InventoryOptions struct {
	// Pipelines reads pipelines and labels.
	Pipelines bool

	// Catalog fetches the public catalog. It requires a CatalogSource.
	Catalog bool

	// ComputeName, when set, also fetches the full record of that compute
	// environment if it exists.
	ComputeName string
}

// LoadInventory reads every collection the planner needs, concurrently. The
// first failure is returned once all started reads have finished.
func LoadInventory(ctx context.Context, dir Directory, catalog CatalogSource, opts InventoryOptions, logger zerolog.Logger) (*Inventory, error) {
	if opts.Catalog && catalog == nil {
		return nil, NewPermanentError("catalog source is required", nil).WithCode(ErrCodeValidation)
	}

	inv := &Inventory{}
	var g errgroup.Group

	g.Go(func() error {
		name, err := dir.UserName(ctx)
		if err != nil {
			return RemoteError("read user", "user-info", err)
		}
		inv.User = name
		return nil
	})
	g.Go(func() error {
		envs, err := dir.ListComputeEnvs(ctx)
		if err != nil {
			return RemoteError("list compute environments", "compute-envs", err)
		}
		inv.ComputeEnvs = envs
		return nil
	})
	g.Go(func() error {
		creds, err := dir.ListCredentials(ctx)
		if err != nil {
			return RemoteError("list credentials", "credentials", err)
		}
		inv.Credentials = creds
		return nil
	})

	if opts.Pipelines {
		g.Go(func() error {
			pipelines, err := dir.ListPipelines(ctx)
			if err != nil {
				return RemoteError("list pipelines", "pipelines", err)
			}
			if pipelines == nil {
				pipelines = []tower.Pipeline{}
			}
			inv.Pipelines = pipelines
			return nil
		})
		g.Go(func() error {
			labels, err := dir.ListLabels(ctx)
			if err != nil {
				return RemoteError("list labels", "labels", err)
			}
			if labels == nil {
				labels = []tower.Label{}
			}
			inv.Labels = labels
			return nil
		})
	}

	if opts.Catalog {
		g.Go(func() error {
			cat, err := catalog.Fetch(ctx)
			if err != nil {
				return RemoteError("fetch pipeline catalog", "catalog", err)
			}
			inv.Catalog = cat
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if opts.ComputeName != "" {
		if id := tower.ComputeEnvIDByName(inv.ComputeEnvs, opts.ComputeName); id != "" {
			env, err := dir.GetComputeEnv(ctx, id)
			if err != nil {
				return nil, RemoteError("read compute environment", opts.ComputeName, err)
			}
			inv.Compute = env
		}
	}

	logger.Debug().
		Str("user", inv.User).
		Int("compute_envs", len(inv.ComputeEnvs)).
		Int("credentials", len(inv.Credentials)).
		Int("pipelines", len(inv.Pipelines)).
		Int("labels", len(inv.Labels)).
		Msg("Inventory loaded")

	return inv, nil
}

// String summarises the inventory for logs.
func (inv *Inventory) String() string {
	return fmt.Sprintf("user=%s compute_envs=%d credentials=%d pipelines=%d labels=%d",
		inv.User, len(inv.ComputeEnvs), len(inv.Credentials), len(inv.Pipelines), len(inv.Labels))
}
