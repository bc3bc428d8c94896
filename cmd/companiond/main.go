// Command companiond runs the Companion daemon (spec §1/§2): it owns
// session containers, brokers Claude Code and Codex backend processes, and
// serves the HTTP/WebSocket surface browsers talk to.
//
// cmd/ was missing from the retrieval pack (maruel-caic's backend/ never
// included its entrypoint); this wiring follows the teacher's own
// dependency set -- cobra/pflag for flags, lmittmann/tint + mattn's
// colorable/isatty for console logging when attached to a terminal,
// slog's JSON handler otherwise.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/caic-xyz/companion/internal/agent"
	"github.com/caic-xyz/companion/internal/agent/claude"
	"github.com/caic-xyz/companion/internal/agent/codex"
	"github.com/caic-xyz/companion/internal/auth"
	"github.com/caic-xyz/companion/internal/companion"
	"github.com/caic-xyz/companion/internal/config"
	"github.com/caic-xyz/companion/internal/container"
	"github.com/caic-xyz/companion/internal/dto"
	"github.com/caic-xyz/companion/internal/gitrt"
	"github.com/caic-xyz/companion/internal/imagepull"
	"github.com/caic-xyz/companion/internal/pipeline"
	"github.com/caic-xyz/companion/internal/pluginbus"
	"github.com/caic-xyz/companion/internal/server"
	"github.com/caic-xyz/companion/internal/sessionstore"
)

var (
	flagAddr      string
	flagStateDir  string
	flagLogLevel  string
	flagLogJSON   bool
	flagGeoDBPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "companiond: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "companiond",
	Short:         "Companion orchestrates Claude Code/Codex sessions for the browser UI",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	defaultState, err := os.UserHomeDir()
	if err != nil {
		defaultState = "."
	}
	defaultState = filepath.Join(defaultState, ".companion")

	flags := rootCmd.Flags()
	flags.StringVar(&flagAddr, "addr", "127.0.0.1:8787", "address to listen on")
	flags.StringVar(&flagStateDir, "state-dir", defaultState, "directory for persisted state (auth.json, sessions.json, ...)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.BoolVar(&flagLogJSON, "log-json", false, "emit structured JSON logs instead of colored console output")
	flags.StringVar(&flagGeoDBPath, "geo-db", "", "optional GeoLite2 database path for /auth/qr's geo hint")
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		level = slog.LevelInfo
	}

	if flagLogJSON || !isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	w := colorable.NewColorable(os.Stderr)
	return slog.New(tint.NewHandler(w, &tint.Options{Level: level}))
}

func run(ctx context.Context) error {
	log := newLogger()
	slog.SetDefault(log)

	if err := os.MkdirAll(flagStateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dockerRT, err := container.NewDockerRuntime(log)
	if err != nil {
		return fmt.Errorf("docker runtime: %w", err)
	}
	if !dockerRT.CheckAvailable(ctx) {
		return fmt.Errorf("docker is not reachable; is the daemon running?")
	}

	gitRT := gitrt.New()
	images := imagepull.New(container.NewDockerImagePuller(dockerRT), log)

	sessions, err := sessionstore.Open(filepath.Join(flagStateDir, "sessions.json"), log)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	cfg, err := config.Open(flagStateDir, log)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	profiles, err := cfg.LoadProfiles()
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	plugins := pluginbus.New(log)
	if err := cfg.LoadPlugins(plugins); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}

	pipe := pipeline.New(dockerRT, gitRT, images, backendFactory(log), profiles, filepath.Join(flagStateDir, "logs"), log)

	daemon := companion.New(companion.Deps{
		Sessions:   sessions,
		Containers: dockerRT,
		Git:        gitRT,
		Images:     images,
		Pipeline:   pipe,
		Plugins:    plugins,
		Log:        log,
	})

	gate, err := auth.Open(filepath.Join(flagStateDir, "auth.json"), flagGeoDBPath, log)
	if err != nil {
		return fmt.Errorf("open auth gate: %w", err)
	}
	defer gate.Close()

	go cfg.WatchAndReload(ctx,
		func() {
			log.Info("settings.json changed externally, reloading")
		},
		func() {
			log.Info("plugins.json changed externally, reloading")
			if err := cfg.LoadPlugins(plugins); err != nil {
				log.Warn("failed to reload plugins.json", "err", err)
			}
		},
	)

	srv := server.New(daemon, gate, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, flagAddr) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	log.Info("shutting down")
	daemon.Shutdown(context.Background())
	if err := cfg.SavePlugins(plugins); err != nil {
		log.Warn("failed to persist plugins.json on shutdown", "err", err)
	}
	return <-errCh
}

// backendFactory returns a pipeline.BackendFactory that spawns a fresh,
// unstarted adapter per harness kind.
func backendFactory(log *slog.Logger) pipeline.BackendFactory {
	return func(kind dto.BackendKind) (agent.Backend, error) {
		switch kind {
		case dto.BackendClaude:
			return claude.New(log), nil
		case dto.BackendCodex:
			return codex.New(log), nil
		default:
			return nil, fmt.Errorf("unknown backend kind %q", kind)
		}
	}
}
