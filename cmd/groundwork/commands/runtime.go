package commands

import (
	"context"
	"fmt"

	"github.com/groundworkhq/groundwork/pkg/config"
	"github.com/groundworkhq/groundwork/pkg/engine"
	"github.com/groundworkhq/groundwork/pkg/provider"
	"github.com/groundworkhq/groundwork/pkg/provider/sim"
	"github.com/groundworkhq/groundwork/pkg/stores"
	"github.com/groundworkhq/groundwork/pkg/telemetry"
)

// runtime wires the store, providers, controller, and telemetry for one
// command invocation.
type runtime struct {
	tel       *telemetry.Telemetry
	store     *stores.SQLiteStore
	ctl       *engine.Controller
	loader    *config.Loader
	world     *sim.World
	worldPath string
}

// newRuntime assembles the orchestrator from the global flags.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = logLevel
	if logJSON {
		cfg.Logging.Format = "json"
	}
	cfg.Metrics.ListenAddr = metricsAddr

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	tel.Metrics.StartServer(tel.Logger)

	store, err := stores.NewSQLiteStore(stores.Config{Path: statePath})
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing state store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating state store: %w", err)
	}

	// The simulated cloud persists next to the state database so resources
	// survive between invocations.
	worldPath := statePath + ".world.json"
	world, err := sim.LoadWorld(worldPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("loading simulated cloud: %w", err)
	}

	registry := provider.NewRegistry()
	if err := sim.RegisterAll(world, registry); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("registering providers: %w", err)
	}
	for _, typ := range registry.Types() {
		p, err := registry.Get(typ)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := registry.Register(typ, telemetry.InstrumentProvider(typ, p, tel.Metrics)); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	ctl := engine.NewController(store, registry, engine.ControllerConfig{
		Logger: tel.Logger,
		Events: stores.NewEventLog(store, tel.Logger),
	})

	return &runtime{
		tel:       tel,
		store:     store,
		ctl:       ctl,
		loader:    config.NewLoader(),
		world:     world,
		worldPath: worldPath,
	}, nil
}

// Close persists the simulated cloud and releases the runtime's resources.
func (r *runtime) Close(ctx context.Context) {
	if err := r.world.Save(r.worldPath); err != nil {
		r.tel.Logger.Warn().Err(err).Msg("Saving simulated cloud failed")
	}
	if err := r.tel.Shutdown(ctx); err != nil {
		r.tel.Logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	if err := r.store.Close(); err != nil {
		r.tel.Logger.Warn().Err(err).Msg("Closing state store failed")
	}
}

// recordRun persists an apply run and its summary to the store.
func (r *runtime) recordRun(ctx context.Context, planID string, result *engine.ApplyResult) {
	run := &stores.Run{
		ID:        result.RunID,
		PlanID:    planID,
		Status:    string(result.Status),
		StartedAt: result.StartedAt,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.tel.Logger.Warn().Err(err).Msg("Recording run failed")
		return
	}
	if err := r.store.FinishRun(ctx, result.RunID, string(result.Status), result.Summary); err != nil {
		r.tel.Logger.Warn().Err(err).Msg("Finishing run record failed")
	}
}
