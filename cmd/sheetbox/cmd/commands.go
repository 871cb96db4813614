package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sheetbox/content"
	"sheetbox/internal/shutdown"
	"sheetbox/internal/store"
	"sheetbox/internal/utils"
	"sheetbox/internal/watcher"
)

// syncCategories are the content types reported by status and sync output.
var syncCategories = []string{
	content.CategoryDocuments,
	content.CategoryFolders,
	content.CategoryCovers,
	content.CategoryWorksheets,
	content.CategoryActivations,
}

// newSyncCmd creates the 'sync' subcommand: one immediate sync pass.
func newSyncCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync pass now",
		Long:  "Drains the pending change queue and pulls remote changes into the local library.",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.requireSync(); err != nil {
				return err
			}
			if err := a.driver.SyncNow(ctx); err != nil {
				return err
			}

			jsonOutput, _ := c.Flags().GetBool("json")
			return printDriverStatus(stdout, a, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newDaemonCmd creates the 'daemon' subcommand: the long-running background
// sync driver with file watching and the realtime change feed.
func newDaemonCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the background sync driver",
		Long:  "Runs until interrupted, syncing on connectivity, visibility, and focus changes plus a periodic timer.",
		RunE: func(c *cobra.Command, _ []string) error {
			baseCtx := c.Context()
			if baseCtx == nil {
				baseCtx = context.Background()
			}
			a, err := buildApp(baseCtx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.requireSync(); err != nil {
				return err
			}

			mgr := shutdown.NewManager()
			mgr.HandleSignals()
			ctx := mgr.Context()

			if a.cfg.Logging.IsBackgroundLoggingEnabled() {
				if bl, err := utils.NewBackgroundLogger(); err == nil {
					defer bl.Close()
					bl.Printf("daemon starting")
				}
			}

			if a.cfg.Sync.FileWatcher {
				wcfg := watcher.ForStore(a.cfg.Store.Path, func() { a.driver.Trigger("store-change") })
				if ms := a.cfg.Sync.WatchDebounceMs; ms > 0 {
					wcfg.Debounce = time.Duration(ms) * time.Millisecond
				}
				w, err := watcher.New(wcfg)
				if err != nil {
					return err
				}
				if err := w.Start(); err != nil {
					return err
				}
				mgr.RegisterCleanup("watcher", func(context.Context) error {
					w.Stop()
					return nil
				})
			}

			if a.cfg.Remote.RealtimeURL != "" {
				for _, category := range syncCategories {
					events, err := a.client.SubscribeChanges(ctx, category, nil)
					if err != nil {
						utils.Warnf("realtime subscription for %s failed: %v", category, err)
						continue
					}
					go a.coord.ConsumeChanges(ctx, events)
				}
			}

			a.driver.Trigger("startup")
			go a.driver.Run(ctx)

			_, _ = fmt.Fprintln(stdout, "sheetbox daemon running, press Ctrl-C to stop")
			<-mgr.Done()

			waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return mgr.Wait(waitCtx)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newStatusCmd creates the 'status' subcommand.
func newStatusCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show library and sync status",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := c.Flags().GetBool("json")
			return printLibraryStatus(ctx, stdout, a, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newQueueCmd creates the 'queue' subcommand for inspecting pending changes.
func newQueueCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "List pending sync operations",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			pending := a.queue.Pending()
			jsonOutput, _ := c.Flags().GetBool("json")
			if jsonOutput {
				return json.NewEncoder(stdout).Encode(pending)
			}

			if len(pending) == 0 {
				_, _ = fmt.Fprintln(stdout, "queue is empty")
				return nil
			}
			for _, op := range pending {
				_, _ = fmt.Fprintf(stdout, "%s  %-6s  %s/%s  priority=%s  retries=%d\n",
					op.Timestamp.Format(time.RFC3339), op.Type, op.Table, op.EntityID, op.Priority, op.Retries)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	queueCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every pending sync operation",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.queue.Clear(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, "queue cleared")
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return queueCmd
}

// newConflictsCmd creates the 'conflicts' subcommand.
func newConflictsCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			conflicts, err := a.queue.Conflicts(ctx)
			if err != nil {
				return err
			}

			jsonOutput, _ := c.Flags().GetBool("json")
			if jsonOutput {
				return json.NewEncoder(stdout).Encode(conflicts)
			}

			if len(conflicts) == 0 {
				_, _ = fmt.Fprintln(stdout, "no conflicts")
				return nil
			}
			for _, conflict := range conflicts {
				_, _ = fmt.Fprintf(stdout, "%s  %s/%s  recorded %s\n",
					conflict.ID, conflict.Op.Table, conflict.Op.EntityID,
					conflict.Timestamp.Format(time.RFC3339))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve [conflict-id] [strategy]",
		Short: "Resolve a conflict with client-wins, server-wins, or merge",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var merged json.RawMessage
			if path, _ := c.Flags().GetString("merged"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read merged payload: %w", err)
				}
				merged = data
			}

			if err := a.queue.Resolve(ctx, args[0], args[1], merged); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "conflict %s resolved (%s)\n", args[0], args[1])
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	resolveCmd.Flags().String("merged", "", "Path to the merged JSON payload (for merge strategy)")
	conflictsCmd.AddCommand(resolveCmd)

	return conflictsCmd
}

// newValidateCmd creates the 'validate' subcommand: a full cache sweep.
func newValidateCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate every cached entry against the server",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			before, err := a.engine.Keys(ctx)
			if err != nil {
				return err
			}
			if err := a.coord.ValidateAll(ctx); err != nil {
				return err
			}
			after, err := a.engine.Keys(ctx)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(stdout, "validated %d entries, invalidated %d\n",
				len(before), len(before)-len(after))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCredentialsCmd creates the 'credentials' subcommand group.
func newCredentialsCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	credCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the remote API token",
	}

	setCmd := &cobra.Command{
		Use:   "set [username]",
		Short: "Store an API token in the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			token, _ := c.Flags().GetString("token")
			if token == "" {
				token, err = promptToken(c.InOrStdin(), stderr, args[0])
				if err != nil {
					return err
				}
			}

			if err := a.creds.Set(ctx, args[0], token); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "token stored for %s\n", args[0])
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	setCmd.Flags().String("token", "", "API token (prompted when omitted)")
	credCmd.AddCommand(setCmd)

	credCmd.AddCommand(&cobra.Command{
		Use:   "delete [username]",
		Short: "Remove the stored API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.creds.Delete(ctx, args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "token removed for %s\n", args[0])
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	credCmd.AddCommand(&cobra.Command{
		Use:   "status [username]",
		Short: "Show where the API token comes from",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.creds.Get(ctx, args[0])
			if err != nil {
				return err
			}

			jsonOutput, _ := c.Flags().GetBool("json")
			if jsonOutput {
				raw, err := info.JSON()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, string(raw))
				return nil
			}
			_, _ = fmt.Fprintln(stdout, info.Describe())
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return credCmd
}

// promptToken reads a token from the reader, for interactive setup.
func promptToken(reader io.Reader, writer io.Writer, username string) (string, error) {
	_, _ = fmt.Fprintf(writer, "Enter API token for %s: ", username)
	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			return "", fmt.Errorf("empty token")
		}
		return token, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}

// printDriverStatus reports the outcome of a sync pass.
func printDriverStatus(stdout io.Writer, a *app, jsonOutput bool) error {
	status := a.driver.Status()
	if jsonOutput {
		return json.NewEncoder(stdout).Encode(status)
	}

	_, _ = fmt.Fprintf(stdout, "sync passes: %d, queue length: %d, breaker: %s\n",
		status.SyncCount, status.QueueLength, status.BreakerState)
	for _, category := range syncCategories {
		state, ok := status.States[category]
		if !ok {
			continue
		}
		health := "ok"
		if !state.Healthy() {
			health = "error: " + state.LastError
		}
		_, _ = fmt.Fprintf(stdout, "  %-12s synced %d  %s\n", category, state.SyncCount, health)
	}
	return nil
}

// libraryStatus is the status command's JSON shape.
type libraryStatus struct {
	SyncEnabled bool                 `json:"sync_enabled"`
	Online      bool                 `json:"online"`
	Speed       string               `json:"speed"`
	CacheUsage  int64                `json:"cache_usage_bytes"`
	CacheQuota  int64                `json:"cache_quota_bytes"`
	QueueLength int                  `json:"queue_length"`
	Conflicts   int                  `json:"conflicts"`
	Records     map[string]int       `json:"records"`
	LastSync    map[string]time.Time `json:"last_sync,omitempty"`
}

// printLibraryStatus reports store-level state without running a sync.
func printLibraryStatus(ctx context.Context, stdout io.Writer, a *app, jsonOutput bool) error {
	usage, err := a.engine.Usage(ctx)
	if err != nil {
		return err
	}
	conflicts, err := a.queue.Conflicts(ctx)
	if err != nil {
		return err
	}

	quota := a.cfg.Cache.QuotaBytes
	if quota <= 0 {
		quota = 50 << 20
	}

	status := libraryStatus{
		SyncEnabled: a.cfg.Sync.Enabled,
		Online:      a.probe.Online(),
		Speed:       string(a.probe.Speed()),
		CacheUsage:  usage,
		CacheQuota:  quota,
		QueueLength: a.queue.Len(),
		Conflicts:   len(conflicts),
		Records:     make(map[string]int, len(syncCategories)),
		LastSync:    make(map[string]time.Time),
	}
	for _, category := range syncCategories {
		count, err := a.store.Count(ctx, category)
		if err != nil {
			return err
		}
		status.Records[category] = count

		var mark struct {
			At time.Time `json:"at"`
		}
		if ok, _ := a.store.Get(ctx, store.TableMeta, "last_sync:"+category, &mark); ok {
			status.LastSync[category] = mark.At
		}
	}

	if jsonOutput {
		return json.NewEncoder(stdout).Encode(status)
	}

	_, _ = fmt.Fprintf(stdout, "sync enabled: %v\n", status.SyncEnabled)
	_, _ = fmt.Fprintf(stdout, "network: online=%v speed=%s\n", status.Online, status.Speed)
	_, _ = fmt.Fprintf(stdout, "cache: %d / %d bytes\n", status.CacheUsage, status.CacheQuota)
	_, _ = fmt.Fprintf(stdout, "pending operations: %d, conflicts: %d\n", status.QueueLength, status.Conflicts)
	for _, category := range syncCategories {
		line := fmt.Sprintf("  %-12s %d records", category, status.Records[category])
		if at, ok := status.LastSync[category]; ok {
			line += ", last sync " + at.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintln(stdout, line)
	}
	return nil
}
