// Command exportpreview opens the host site's PDF exports in a preview tab
// instead of downloading them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "exportpreview",
		Short: "Preview PDF exports instead of downloading them",
		Long: `exportpreview drives a Chrome window in which the host site's PDF export
opens in a preview tab instead of landing in your downloads folder.

Click the "Preview" control next to the export button, and the next PDF export
from that tab is intercepted, fetched with your session and shown in a viewer
whose scale control re-exports the page at another scale.

Configuration comes from flags, EXPORT_PREVIEW_* environment variables and an
optional YAML file (<user config dir>/export-preview/config.yaml).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default <user config dir>/export-preview/config.yaml)")
	pf.String("listen", "", "address the viewer is served on (default 127.0.0.1:7733)")
	pf.String("settings", "", "settings file (default <user config dir>/export-preview/settings.json)")
	pf.String("log-level", "", "log level: error, warn, info, debug, trace")
	pf.String("log-format", "", "log format: text or json")

	root.AddCommand(newRunCmd(), newSettingsCmd(), newStatusCmd(), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
