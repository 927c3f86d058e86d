package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/intellimaint/edge/collector"
	"github.com/intellimaint/edge/collector/cip"
	"github.com/intellimaint/edge/collector/opcua"
	"github.com/intellimaint/edge/collector/sim"
	"github.com/intellimaint/edge/config"
	"github.com/intellimaint/edge/engine"
	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/store"
	"github.com/intellimaint/edge/ui"
)

var (
	flagSimulate  bool
	flagDashboard bool
	flagLogJSON   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the edge agent",
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().BoolVar(&flagSimulate, "simulate", false, "use the synthetic driver instead of real devices")
	runCmd.Flags().BoolVar(&flagDashboard, "dashboard", false, "show the terminal dashboard")
	runCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs")
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if flagSimulate {
		cfg.Simulate = true
	}
	if flagLogJSON {
		cfg.LogJSON = true
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// The dashboard owns the terminal, so logs move to a file beside the data.
	logFile := ""
	if flagDashboard {
		logFile = filepath.Join(cfg.DataDir, "imedge.log")
	}
	log, err := newLogger(cfg.LogJSON, logFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, &cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	overflow, err := store.NewOverflow(store.OverflowOptions{
		Dir:           cfg.OverflowDir(),
		RollSizeMB:    cfg.Overflow.RollSizeMB,
		RetentionDays: cfg.Overflow.RetentionDays,
		Compress:      cfg.Overflow.Compress,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("open overflow sink: %w", err)
	}
	defer overflow.Close()

	var notifier *engine.Notifier
	if cfg.Alerts.Webhook != "" {
		notifier, err = engine.NewNotifier(cfg.Alerts.Webhook, log)
		if err != nil {
			return fmt.Errorf("alert webhook: %w", err)
		}
	}

	drivers := []collector.Driver{cip.New(), opcua.New()}
	if cfg.Simulate {
		drivers = append(drivers, sim.New(nil))
	}

	endpoints := cfg.Descriptors()
	if cfg.Simulate && len(endpoints) == 0 {
		endpoints = demoEndpoints()
		log.Info("no endpoints configured, using the built-in demo line")
	}

	eng := engine.New(cfg, endpoints, engine.Deps{
		Store:    st,
		Rules:    store.NewFileRules(cfg.RulesFile, log),
		Overflow: overflow,
		Drivers:  drivers,
		Notifier: notifier,
		Log:      log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })

	g.Go(func() error {
		err := config.Watch(ctx, cfg.RulesFile, log, eng.Registry().Notify)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Prometheus.Enabled {
		g.Go(func() error { return serveMetrics(ctx, cfg.Prometheus.Addr, log) })
	}

	if flagDashboard {
		g.Go(func() error {
			defer stop() // quitting the dashboard shuts the agent down
			return ui.Run(ctx, eng)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Storage.DSN)
	default:
		return store.OpenSQLite(cfg.SQLitePath())
	}
}

func serveMetrics(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("metrics listener started", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errc:
		return fmt.Errorf("metrics listener: %w", err)
	}
}

// demoEndpoints is the zero-config simulation line: a couple of devices with
// tags the synthetic driver knows how to shape.
func demoEndpoints() []model.EndpointDescriptor {
	mk := func(id string) model.EndpointDescriptor {
		return model.EndpointDescriptor{
			EndpointID: id,
			Protocol:   "sim",
			ScanGroups: []model.ScanGroup{{
				Name:           "Normal",
				ScanIntervalMs: 1000,
				Tags: []model.TagDescriptor{
					{TagID: "MotorAmps", DeviceID: id, DeclaredType: "REAL", ScanGroup: "Normal", ScanIntervalMs: 1000, Unit: "A", Enabled: true},
					{TagID: "ZoneTemp", DeviceID: id, DeclaredType: "LREAL", ScanGroup: "Normal", ScanIntervalMs: 1000, Unit: "C", Enabled: true},
					{TagID: "Running", DeviceID: id, DeclaredType: "BOOL", ScanGroup: "Normal", ScanIntervalMs: 1000, Enabled: true},
					{TagID: "CycleCount", DeviceID: id, DeclaredType: "DINT", ScanGroup: "Normal", ScanIntervalMs: 1000, Enabled: true},
				},
			}},
		}
	}
	return []model.EndpointDescriptor{mk("press-01"), mk("press-02")}
}
