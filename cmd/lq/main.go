// Command lq serves and watches live paged queries over a local entity store.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/steveyegge/beads-live/internal/config"
	"github.com/steveyegge/beads-live/internal/logging"
	"github.com/steveyegge/beads-live/internal/store"
	"github.com/steveyegge/beads-live/internal/ui"
)

var (
	cfgFile   string
	cfg       *config.Config
	logCloser io.Closer
)

// flagKeys maps config keys to the flags that override them. A flag is bound
// only on the commands that define it.
var flagKeys = map[string]string{
	"dir":                      "dir",
	"log.level":                "log-level",
	"log.format":               "log-format",
	"log.file":                 "log-file",
	"server.addr":              "addr",
	"watch.url":                "url",
	"watch.page_size":          "page-size",
	"watch.limit":              "limit",
	"watch.retry_interval":     "retry-interval",
	"watch.retry_multiplier":   "retry-multiplier",
	"watch.retry_max_interval": "retry-max-interval",
}

var rootCmd = &cobra.Command{
	Use:   "lq",
	Short: "Live paged queries over a local entity store",
	Long: `lq keeps a SQLite entity store in sync with a directory of entity files
and serves live paged queries over WebSocket.

  lq serve                 # sync files and serve live queries
  lq watch --status open   # follow a live query from another terminal
  lq put "Fix login" --due "tomorrow 5pm"`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := config.New(cfgFile)
		for key, name := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}

		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, closer, err := logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			return err
		}
		logCloser = closer
		cmd.SetContext(logging.WithLogger(cmd.Context(), logger))

		ui.Configure(os.Stdout)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "live", Title: "Live queries:"},
		&cobra.Group{ID: "store", Title: "Store management:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./lq.toml or ~/.config/lq/lq.toml)")
	flags.String("dir", ".beads-live", "data directory holding entities/ and entities.db")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "auto", "log format (auto, json, console)")
	flags.String("log-file", "", "also write logs to this rotating file")
}

// openStore opens the store under the configured data directory.
func openStore(log *zerolog.Logger) (*store.Store, error) {
	return store.Open(cfg.DBPath(), &store.Config{
		DebounceInterval: cfg.Store.Debounce,
		BusyTimeout:      store.DefaultConfig().BusyTimeout,
		Logger:           log,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
