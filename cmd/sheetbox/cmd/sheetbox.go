// Package cmd implements the sheetbox CLI: the offline-first worksheet
// library client with background sync.
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"sheetbox/internal/adaptive"
	"sheetbox/internal/cache"
	"sheetbox/internal/config"
	"sheetbox/internal/coordinator"
	"sheetbox/internal/credentials"
	"sheetbox/internal/netprobe"
	"sheetbox/internal/store"
	"sheetbox/internal/syncd"
	"sheetbox/internal/syncqueue"
	"sheetbox/internal/utils"
	"sheetbox/remote"
	"sheetbox/remote/httpapi"
)

// Version is set at build time.
var Version = "dev"

// Config holds CLI-level overrides, injectable for testing.
type Config struct {
	ConfigPath string
	DBPath     string
	Verbose    bool
	Keyring    credentials.Keyring // test override for the OS keyring
}

// Execute runs the CLI with the given arguments and IO writers.
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewSheetbox(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

// NewSheetbox creates the root command with injectable IO.
func NewSheetbox(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:     "sheetbox",
		Short:   "Offline-first worksheet library client",
		Long:    "sheetbox keeps a local, offline-capable copy of the worksheet library and synchronizes changes with the remote service in the background.",
		Version: Version,
		PersistentPreRun: func(c *cobra.Command, _ []string) {
			verbose, _ := c.Flags().GetBool("verbose")
			if verbose || cfg.Verbose {
				utils.SetVerboseMode(true)
			}
			if path, _ := c.Flags().GetString("config"); path != "" {
				cfg.ConfigPath = path
			}
			if path, _ := c.Flags().GetString("db-path"); path != "" {
				cfg.DBPath = path
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("config", "", "Path to config file")
	cmd.PersistentFlags().String("db-path", "", "Path to the local store database")

	cmd.AddCommand(newSyncCmd(stdout, cfg))
	cmd.AddCommand(newDaemonCmd(stdout, cfg))
	cmd.AddCommand(newStatusCmd(stdout, cfg))
	cmd.AddCommand(newQueueCmd(stdout, cfg))
	cmd.AddCommand(newConflictsCmd(stdout, cfg))
	cmd.AddCommand(newValidateCmd(stdout, cfg))
	cmd.AddCommand(newCredentialsCmd(stdout, stderr, cfg))

	return cmd
}

// app bundles the wired services behind every command.
type app struct {
	cfg    *config.Config
	store  *store.Store
	source *netprobe.ChanSource
	probe  *netprobe.Probe
	engine *cache.Engine
	client *httpapi.Client
	coord  *coordinator.Coordinator
	queue  *syncqueue.Queue
	driver *syncd.Driver
	creds  *credentials.Manager
}

// buildApp wires the full service stack from configuration.
func buildApp(ctx context.Context, cliCfg *Config) (*app, error) {
	path := cliCfg.ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cliCfg.DBPath != "" {
		cfg.Store.Path = cliCfg.DBPath
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st}

	a.source = netprobe.NewChanSource()
	a.probe = netprobe.New(a.source)
	a.probe.Start()

	a.engine, err = cache.NewEngine(ctx, st, cfg.Cache.Strategies, cfg.Cache.QuotaBytes, a.probe.Speed)
	if err != nil {
		a.Close()
		return nil, err
	}

	var kropts []credentials.ManagerOption
	if cliCfg.Keyring != nil {
		kropts = append(kropts, credentials.WithKeyring(cliCfg.Keyring))
	}
	a.creds = credentials.NewManager(kropts...)

	token := ""
	if cfg.Remote.Username != "" {
		info, err := a.creds.Get(ctx, cfg.Remote.Username)
		if err != nil {
			a.Close()
			return nil, err
		}
		token = info.Token
	}

	a.client, err = httpapi.New(httpapi.Config{
		BaseURL:      cfg.Remote.BaseURL,
		RealtimeURL:  cfg.Remote.RealtimeURL,
		Token:        token,
		Timeout:      func() time.Duration { return adaptive.TimeoutFor(a.probe.Speed()) },
		EnableJitter: true,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.coord = coordinator.New(st, a.engine, a.client, a.probe.Speed)
	a.queue = syncqueue.New(st, a.client, a.probe.Online, syncqueue.Options{
		RetryCap: cfg.Sync.RetryCap,
	})
	if err := a.queue.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.driver = syncd.New(syncd.Options{
		Store:   st,
		Service: a.client,
		Queue:   a.queue,
		Probe:   a.probe,
		Events:  a.source,
		Invalidate: func(ctx context.Context, table, id, action string) error {
			return a.coord.Invalidate(ctx, coordinator.InvalidateRequest{Type: table, ID: id, Action: action})
		},
		RecordVersion: func(ctx context.Context, table, id string, meta remote.Meta) error {
			return a.coord.RecordVersion(ctx, table, id, meta)
		},
		MinInterval:   cfg.Sync.MinIntervalDuration(),
		Period:        cfg.Sync.PeriodicDuration(),
		RetentionDays: cfg.Sync.RetentionDays,
	})

	return a, nil
}

// Close tears down in reverse dependency order.
func (a *app) Close() {
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.probe != nil {
		a.probe.Stop()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// requireSync errors when sync is disabled in configuration.
func (a *app) requireSync() error {
	if !a.cfg.Sync.Enabled {
		return utils.ErrSyncNotEnabled()
	}
	return nil
}
