// Fleetbeat - device registry with heartbeat liveness.
//
// This is the main entry point for the fleetbeat server. It issues device
// credentials, accepts heartbeats over HTTP (and optionally MQTT), marks
// silent devices OFFLINE and pushes every change to connected dashboards.
//
// Usage:
//
//	fleetbeat [--config path]
//	fleetbeat --mint-operator-token alice --role admin
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleetbeat/internal/api"
	"github.com/nerrad567/fleetbeat/internal/audit"
	"github.com/nerrad567/fleetbeat/internal/auth"
	"github.com/nerrad567/fleetbeat/internal/broadcast"
	"github.com/nerrad567/fleetbeat/internal/device"
	"github.com/nerrad567/fleetbeat/internal/infrastructure/config"
	"github.com/nerrad567/fleetbeat/internal/infrastructure/database"
	"github.com/nerrad567/fleetbeat/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleetbeat/internal/infrastructure/logging"
	"github.com/nerrad567/fleetbeat/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleetbeat/internal/liveness"
	"github.com/nerrad567/fleetbeat/internal/mqttbridge"
	"github.com/nerrad567/fleetbeat/internal/telemetry"
	"github.com/nerrad567/fleetbeat/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Observer queue lengths for in-process consumers. They keep up with the
// registry in normal operation; the slack absorbs bursts such as a sweep
// that expires many devices at once.
const (
	auditObserverBuffer     = 256
	mqttObserverBuffer      = 256
	telemetryObserverBuffer = 1024
)

// shutdownFlushTimeout bounds the final retry of pending device writes.
const shutdownFlushTimeout = 5 * time.Second

// startupCheckTimeout bounds the dependency health check at startup.
const startupCheckTimeout = 5 * time.Second

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	configPath  string
	showVersion bool
	mintSubject string
	mintRole    string
	mintTTL     time.Duration
	migrateDown bool
}

// parseFlags parses args. It returns pflag.ErrHelp when --help was given.
func parseFlags(args []string, out io.Writer) (*options, error) {
	var opts options

	fs := pflag.NewFlagSet("fleetbeat", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default $FLEETBEAT_CONFIG or "+defaultConfigPath+")")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.StringVar(&opts.mintSubject, "mint-operator-token", "", "print an operator token for this subject and exit")
	fs.StringVar(&opts.mintRole, "role", string(auth.RoleViewer), "role for --mint-operator-token (viewer or admin)")
	fs.DurationVar(&opts.mintTTL, "ttl", 0, "lifetime for --mint-operator-token (default security.operators.token_ttl)")
	fs.BoolVar(&opts.migrateDown, "migrate-down", false, "roll back the latest database migration and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return &opts, nil
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command-line arguments without the program name
//   - stdout: Destination for --version and minted tokens
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "fleetbeat %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	cfg, configPath, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if opts.mintSubject != "" {
		return mintOperatorToken(stdout, cfg, opts)
	}
	if opts.migrateDown {
		return rollbackMigration(ctx, stdout, cfg)
	}

	log := logging.New(cfg.Logging, version)
	log.Info("starting fleetbeat",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", configPath,
	)

	return serve(ctx, cfg, log)
}

// loadConfig resolves the configuration path and loads it.
//
// An explicit --config or FLEETBEAT_CONFIG must exist. When neither is set
// and the default file is absent, defaults plus environment overrides are
// used, so the server runs without any file.
func loadConfig(flagPath string) (*config.Config, string, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("FLEETBEAT_CONFIG")
	}
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	if _, err := os.Stat(defaultConfigPath); errors.Is(err, os.ErrNotExist) {
		cfg, envErr := config.FromEnv()
		return cfg, "(environment)", envErr
	}
	cfg, err := config.Load(defaultConfigPath)
	return cfg, defaultConfigPath, err
}

// mintOperatorToken prints a signed operator token and exits.
func mintOperatorToken(stdout io.Writer, cfg *config.Config, opts *options) error {
	role, err := auth.ParseRole(opts.mintRole)
	if err != nil {
		return err
	}
	if cfg.Security.Operators.Secret == "" {
		return errors.New("security.operators.secret is not set (FLEETBEAT_OPERATOR_SECRET)")
	}

	ttl := opts.mintTTL
	if ttl <= 0 {
		ttl = time.Duration(cfg.Security.Operators.TokenTTL) * time.Minute
	}

	token, err := auth.GenerateOperatorToken(opts.mintSubject, role, cfg.Security.Operators.Secret, ttl)
	if err != nil {
		return fmt.Errorf("minting operator token: %w", err)
	}
	fmt.Fprintln(stdout, token)
	return nil
}

// rollbackMigration undoes the most recently applied schema migration and
// reports which version it removed.
func rollbackMigration(ctx context.Context, stdout io.Writer, cfg *config.Config) error {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // process exits next

	applied, _, err := db.GetMigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	if len(applied) == 0 {
		fmt.Fprintln(stdout, "no migrations applied")
		return nil
	}

	latest := applied[len(applied)-1].Version
	if err := db.MigrateDown(ctx, migrations.FS); err != nil {
		return fmt.Errorf("rolling back %s: %w", latest, err)
	}
	fmt.Fprintf(stdout, "rolled back %s\n", latest)
	return nil
}

// serve wires every component and blocks until ctx is cancelled or a
// component fails.
func serve(ctx context.Context, cfg *config.Config, log *logging.Logger) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Open database (only when a component needs it)
	var db *database.DB
	if cfg.NeedsDatabase() {
		var err error
		db, err = database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", cfg.Database.Path)

		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database migrations complete")
	}

	store, err := openStore(cfg, db, log)
	if err != nil {
		return err
	}

	// Event fan-out. Consumers subscribe before the registry starts
	// publishing so none of them misses an event.
	broadcaster := broadcast.New()
	broadcaster.SetLogger(log)
	defer broadcaster.Close()

	registry := device.NewRegistry(store)
	registry.SetLogger(log)
	registry.SetPublisher(broadcaster)
	if loadErr := registry.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading device registry: %w", loadErr)
	}
	log.Info("device registry initialised",
		"devices", registry.Count(),
		"backend", cfg.Registry.Store.Backend,
	)
	defer flushPending(registry, log)

	comps := newComponents(ctx)
	g, gctx := comps.g, comps.ctx

	// Liveness sweeper
	sweeper := liveness.New(registry, liveness.Config{
		Interval: cfg.Registry.SweepInterval,
		Timeout:  cfg.Registry.HeartbeatTimeout,
	})
	sweeper.SetLogger(log)
	g.Go(func() error { return sweeper.Run(gctx) })

	// Audit trail (optional)
	var auditRepo audit.Repository
	if cfg.Audit.Enabled {
		repo := audit.NewSQLiteRepository(db.DB)
		auditRepo = repo
		recorder := audit.NewRecorder(repo)
		recorder.SetLogger(log)
		obs := broadcaster.Subscribe("audit", auditObserverBuffer)
		g.Go(func() error { return ignoreCanceled(recorder.Run(gctx, obs)) })
		log.Info("audit trail enabled")
	} else {
		log.Info("audit trail disabled")
	}

	// MQTT bridge (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return comps.abort(fmt.Errorf("connecting to MQTT: %w", err))
		}
		mqttClient.SetLogger(log)
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge := mqttbridge.New(mqttClient, registry, mqttbridge.Config{})
		bridge.SetLogger(log)
		obs := broadcaster.Subscribe("mqtt", mqttObserverBuffer)
		if startErr := bridge.Start(ctx); startErr != nil {
			return comps.abort(fmt.Errorf("starting MQTT bridge: %w", startErr))
		}
		defer bridge.Stop()

		// Retained statuses published while disconnected are lost; resend them.
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
			bridge.Resync()
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		g.Go(func() error { return ignoreCanceled(bridge.Run(gctx, obs)) })
	} else {
		log.Info("MQTT disabled")
	}

	// Heartbeat telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return comps.abort(fmt.Errorf("connecting to InfluxDB: %w", err))
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		recorder := telemetry.NewRecorder(influxClient)
		recorder.SetLogger(log)
		obs := broadcaster.Subscribe("telemetry", telemetryObserverBuffer)
		g.Go(func() error { return ignoreCanceled(recorder.Run(gctx, obs)) })
	} else {
		log.Info("InfluxDB disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return comps.abort(fmt.Errorf("health check failed: %w", err))
	}

	// HTTP API
	deps := api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Registry:    registry,
		Broadcaster: broadcaster,
		AuditRepo:   auditRepo,
		DB:          db,
		Version:     version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if influxClient != nil {
		deps.InfluxDB = influxClient
	}
	srv, err := api.New(deps)
	if err != nil {
		return comps.abort(fmt.Errorf("creating API server: %w", err))
	}
	if err := srv.Start(gctx); err != nil {
		return comps.abort(fmt.Errorf("starting API server: %w", err))
	}
	g.Go(func() error {
		<-gctx.Done()
		return srv.Close()
	})

	log.Info("initialisation complete, waiting for shutdown signal")

	err = g.Wait()
	comps.cancel()
	if err != nil {
		log.Error("component failed, shutting down", "error", err)
	} else {
		log.Info("shutdown signal received, cleaning up")
	}

	// Deferred calls run in reverse order: InfluxDB, MQTT bridge, MQTT,
	// pending-write flush, broadcaster, database.
	log.Info("fleetbeat stopped")
	return err
}

// openStore builds the configured device store.
func openStore(cfg *config.Config, db *database.DB, log *logging.Logger) (device.Store, error) {
	switch cfg.Registry.Store.Backend {
	case config.StoreBackendFile:
		fs := device.NewFileStore(cfg.Registry.Store.Path)
		fs.SetLogger(log)
		return fs, nil
	case config.StoreBackendSQLite:
		if db == nil {
			return nil, errors.New("sqlite store requires a database")
		}
		return device.NewSQLiteStore(db.DB), nil
	case config.StoreBackendMemory:
		log.Warn("using in-memory device store; registrations are lost on restart")
		return device.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Registry.Store.Backend)
	}
}

// flushPending makes a last attempt to persist records whose writes failed.
func flushPending(registry *device.Registry, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()

	if err := registry.RetryPending(ctx); err != nil {
		log.Error("pending device writes lost at shutdown", "error", err)
	}
}

// healthCheck verifies the enabled infrastructure connections.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check (may be nil if unused)
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// ignoreCanceled maps the context error an observer loop returns on
// shutdown to a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// components runs the long-lived goroutines started by serve.
type components struct {
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func newComponents(parent context.Context) *components {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &components{g: g, ctx: gctx, cancel: cancel}
}

// abort stops every component started so far and waits for them to return
// before the caller's deferred closes run. It returns err unchanged.
func (c *components) abort(err error) error {
	c.cancel()
	_ = c.g.Wait() //nolint:errcheck // err is the failure being reported
	return err
}
