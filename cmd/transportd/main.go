// Command transportd runs the transport manager with the adapters declared
// in its config file.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/dcherniev/sdl-core/pkg/logging"
)

var version = "0.1.0"

// demoAccept lets the policy answer half of the demo guests.
const demoAccept = "demo:guest-*[02468]"

type options struct {
	configPath string
	demo       bool
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "transportd",
		Short: "Transport manager daemon",
		Long: `transportd discovers devices over the configured transports, keeps the
registry of devices and connections and publishes every transport event
to its consumers.`,
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "transportd version %s\n" .Version}}`)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().BoolVar(&opts.demo, "demo", false, "add a simulated adapter with random traffic")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(newRunCmd(opts), newMonitorCmd(opts), newVersionCmd())
	return root
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run headless and log every transport event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log, version)

			d, err := opts.build(cfg, log)
			if err != nil {
				return err
			}
			if err := d.withEventLog(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := d.Start(ctx); err != nil {
				d.Stop(context.Background())
				return err
			}
			log.Info("transportd running", "adapters", len(d.mgr.Adapters()), "demo", opts.demo)

			<-ctx.Done()
			log.Info("shutting down")
			return d.Stop(context.Background())
		},
	}
}

func newMonitorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run with a live view of adapters, devices and connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			// The terminal belongs to the view; events are shown there.
			log := logging.NewWithWriter(cfg.Log, version, io.Discard)

			d, err := opts.build(cfg, log)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := d.Start(ctx); err != nil {
				d.Stop(context.Background())
				return err
			}

			m, err := newMonitor(ctx, d.mgr)
			if err != nil {
				d.Stop(context.Background())
				return err
			}
			_, runErr := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			m.close()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := d.Stop(stopCtx); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and platform",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "transportd v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func (o *options) load() (Config, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return Config{}, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.demo && len(cfg.Policy.Accept) == 0 {
		cfg.Policy.Accept = []string{demoAccept}
	}
	return cfg, nil
}

func (o *options) build(cfg Config, log *logging.Logger) (*daemon, error) {
	d, err := newDaemon(cfg, log)
	if err != nil {
		return nil, err
	}
	if o.demo {
		d.withDemo()
	}
	return d, nil
}
