package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/credentials"
	"github.com/dyluth/warren/internal/notify"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/recovery"
	"github.com/dyluth/warren/internal/store"
)

// buildEngine assembles a fully wired engine from the environment and the
// phases config file. The returned cleanup closes both stores and must be
// deferred by the caller.
func buildEngine(ctx context.Context) (*orchestrator.Engine, func(), error) {
	runtime, err := config.LoadRuntime()
	if err != nil {
		return nil, nil, printer.Error(
			"Invalid environment configuration",
			err.Error(),
			[]string{"Check the WARREN_* environment variables"},
		)
	}

	table, err := config.LoadPhases(runtime.PhasesPath)
	if err != nil {
		return nil, nil, printer.Error(
			"Failed to load phases config",
			err.Error(),
			[]string{
				fmt.Sprintf("Check that %s exists and is valid", runtime.PhasesPath),
				"Point WARREN_PHASES_PATH at your warren.yml",
			},
		)
	}

	seed, err := runtime.DecodeSigningSeed()
	if err != nil {
		return nil, nil, printer.Error(
			"Invalid credential signing seed",
			err.Error(),
			[]string{"Set WARREN_SIGNING_SEED to a base64-encoded 32-byte seed"},
		)
	}

	issuer, err := credentials.NewIssuer(seed, runtime.InstanceName, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create credential issuer: %w", err)
	}

	redisOpts, err := redis.ParseURL(runtime.RedisURL)
	if err != nil {
		return nil, nil, printer.Error(
			"Invalid Redis URL",
			err.Error(),
			[]string{"Check the REDIS_URL environment variable"},
		)
	}

	ephemeral := store.NewRedisStore(redisOpts)
	if err := ephemeral.Ping(ctx); err != nil {
		_ = ephemeral.Close()
		return nil, nil, printer.Error(
			"Cannot reach Redis",
			err.Error(),
			[]string{fmt.Sprintf("Check that Redis is running at %s", runtime.RedisURL)},
		)
	}

	sessions, err := store.OpenSQLite(runtime.DBPath)
	if err != nil {
		_ = ephemeral.Close()
		return nil, nil, printer.Error(
			"Cannot open session database",
			err.Error(),
			[]string{fmt.Sprintf("Check that %s is writable", runtime.DBPath)},
		)
	}

	cleanup := func() {
		_ = sessions.Close()
		_ = ephemeral.Close()
	}

	recoverySvc, err := recovery.NewService(ephemeral, runtime.InstanceName, recovery.Options{
		TokenTTL:   runtime.RecoveryTokenTTL,
		RateLimit:  runtime.RecoveryRateLimit,
		RateWindow: runtime.RecoveryRateWindow,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create recovery service: %w", err)
	}

	engine, err := orchestrator.NewEngine(orchestrator.Config{
		Sessions:        sessions,
		Recovery:        recoverySvc,
		Issuer:          issuer,
		Dispatcher:      notify.LogDispatcher{},
		Auditor:         audit.NewLogSink(runtime.InstanceName),
		Table:           table,
		InstanceName:    runtime.InstanceName,
		ActivityWindow:  runtime.ActivityWindow,
		PaceBounds:      runtime.PaceBounds(),
		ConflictRetries: runtime.ConflictRetries,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return engine, cleanup, nil
}

// buildSessionStore opens just the durable store, for commands that do not
// need Redis or the full engine.
func buildSessionStore() (*store.SQLiteStore, error) {
	runtime, err := config.LoadRuntime()
	if err != nil {
		return nil, printer.Error(
			"Invalid environment configuration",
			err.Error(),
			[]string{"Check the WARREN_* environment variables"},
		)
	}

	sessions, err := store.OpenSQLite(runtime.DBPath)
	if err != nil {
		return nil, printer.Error(
			"Cannot open session database",
			err.Error(),
			[]string{fmt.Sprintf("Check that %s is writable", runtime.DBPath)},
		)
	}

	return sessions, nil
}
