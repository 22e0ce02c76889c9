// Command navigator runs the FSM runtime with its diagnostics surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/navigatorhq/navigator/pkg/config"
	"github.com/navigatorhq/navigator/pkg/core"
	"github.com/navigatorhq/navigator/pkg/effects"
	"github.com/navigatorhq/navigator/pkg/fsm"
	"github.com/navigatorhq/navigator/pkg/manager"
	"github.com/navigatorhq/navigator/pkg/observability"
	"github.com/navigatorhq/navigator/pkg/telemetry"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "navigator",
		Short: "Multi-tenant FSM runtime with a declarative effects engine",
	}
	root.AddCommand(serveCmd(), kindsCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := core.NewLogger(core.LogConfig{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSONOutput})

			kinds := fsm.NewKindRegistry()
			if err := registerBuiltinKinds(kinds); err != nil {
				return err
			}

			tel := telemetry.New(256)
			mgr, err := manager.New(manager.Options{
				Config:    cfg,
				Kinds:     kinds,
				Telemetry: tel,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			recovered, err := mgr.Recover()
			if err != nil {
				return err
			}
			logger.Infof("navigator %s started, %d instances recovered", version, recovered)

			var mirror *telemetry.Mirror
			if cfg.TelemetryMirror.Enabled {
				mirror, err = telemetry.NewMirror(tel.Bus, telemetry.MirrorConfig{
					URL:    cfg.TelemetryMirror.URL,
					Prefix: cfg.TelemetryMirror.Prefix,
					Name:   "navigator",
				}, logger)
				if err != nil {
					return fmt.Errorf("telemetry mirror: %w", err)
				}
				defer mirror.Close()
			}

			var diag *observability.Server
			if cfg.Diagnostics.Enabled {
				diag = observability.NewServer(cfg.Diagnostics.Addr, mgr, logger)
				go func() {
					if err := diag.Start(); err != nil {
						logger.Errorf("diagnostics server stopped: %v", err)
					}
				}()
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			logger.Info("shutting down")

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if diag != nil {
				_ = diag.Shutdown(ctx)
			}
			return mgr.Close(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	return cmd
}

func kindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "Print the registered kinds as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := fsm.NewKindRegistry()
			if err := registerBuiltinKinds(kinds); err != nil {
				return err
			}
			out, err := core.JSONEncode(kinds.List())
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("navigator " + version)
		},
	}
}

// registerBuiltinKinds installs the kinds this binary ships with. Library
// consumers register their own against a fresh registry instead.
func registerBuiltinKinds(kinds *fsm.KindRegistry) error {
	door, err := fsm.NewKind("SmartDoor").
		States("closed", "opening", "open", "closing", "emergency_lock").
		Initial("closed").
		Transition("closed", "open_command", "opening").
		Transition("opening", "fully_open", "open").
		Transition("opening", "obstruction", "closed").
		Transition("open", "close_command", "closing").
		Transition("closing", "fully_closed", "closed").
		Transition("closing", "obstruction", "opening").
		Transition("closed", "lockdown", "emergency_lock").
		Transition("open", "lockdown", "emergency_lock").
		EntryEffect("emergency_lock", effects.Sequence(
			effects.Log("warn", "emergency lock engaged"),
			effects.PutData("locked_at", time.Now().UTC().Format(time.RFC3339)),
		)).
		OnBroadcast(func(inst *fsm.Instance, eventType string, payload map[string]interface{}) (*fsm.Instance, error) {
			if eventType != "emergency_lock" {
				return inst, nil
			}
			next := inst.Clone()
			next.CurrentState = "emergency_lock"
			return next, nil
		}).
		Build()
	if err != nil {
		return err
	}
	return kinds.Register(door)
}
