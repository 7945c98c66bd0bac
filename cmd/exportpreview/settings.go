package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/porticus-lab/export-preview/internal/logging"
	"github.com/porticus-lab/export-preview/internal/settings"
	"github.com/porticus-lab/export-preview/internal/tui"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Edit preview settings",
		Long: `Open the settings popup: turn automatic preview on or off and choose the
viewer's default zoom. Changes are saved immediately and picked up by a
running "exportpreview run".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(newViper(), cmd)
			if err != nil {
				return err
			}
			path, err := cfg.settingsPath()
			if err != nil {
				return err
			}
			log, err := cfg.logger()
			if err != nil {
				return err
			}
			store, err := settings.Open(path, logging.Component(log, "settings"))
			if err != nil {
				return err
			}

			if reset, _ := cmd.Flags().GetBool("reset"); reset {
				if err := store.Reset(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Settings reset to defaults.")
				return nil
			}
			if show, _ := cmd.Flags().GetBool("show"); show {
				s := store.Get()
				fmt.Fprintf(cmd.OutOrStdout(), "autoPreview: %t\ndefaultZoom: %g\nfile:        %s\n", s.AutoPreview, s.DefaultZoom, store.Path())
				return nil
			}

			p := tea.NewProgram(tui.New(store, Version), tea.WithContext(runContext(cmd)))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("settings popup: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Bool("reset", false, "restore the default settings")
	cmd.Flags().Bool("show", false, "print the current settings and exit")
	return cmd
}
