package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	exportpreview "github.com/porticus-lab/export-preview"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch the browser and intercept PDF exports",
		Long: `Launch Chrome (or attach to a running one with --remote-url), attach to every
host tab and serve the viewer until interrupted.

Examples:
  exportpreview run
  exportpreview run --user-data-dir ~/.config/export-preview/profile
  exportpreview run --remote-url ws://127.0.0.1:9222/devtools/browser/<id>
  exportpreview run --scale-mode private`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(newViper(), cmd)
			if err != nil {
				return err
			}
			log, err := cfg.logger()
			if err != nil {
				return err
			}

			p, err := exportpreview.New(cfg.options(log)...)
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, stop := signal.NotifyContext(runContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Viewer at %s/viewer. Press Ctrl+C to stop.\n", p.ViewerBase())
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			log.Info("export preview stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.String("chrome-path", "", "Chrome or Chromium executable")
	f.String("remote-url", "", "DevTools websocket URL of a running browser")
	f.String("user-data-dir", "", "browser profile directory")
	f.Bool("no-sandbox", false, "disable the Chrome sandbox (needed as root)")
	f.Bool("headless", false, "run the browser without a window")
	f.Bool("auto-download", false, "download Chromium when none is found")
	f.String("strategy", "", "retrieval strategy: delegated or passthrough")
	f.String("scale-mode", "", "scale change mode: reexport or private")
	f.Bool("allow-storage", false, "also attach to the host's file storage origin")
	f.Duration("arm-timeout", 0, "how long an armed preview waits for its download (default 10s)")
	f.Duration("timeout", 0, "retrieval timeout (default 60s)")
	return cmd
}

// runContext is cobra's context, or Background when run outside Execute.
func runContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
