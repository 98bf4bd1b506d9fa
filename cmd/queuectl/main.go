package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/saviobatista/fleetsync/internal/config"
	"github.com/saviobatista/fleetsync/internal/localdb"
	"github.com/saviobatista/fleetsync/internal/queue"
	"github.com/saviobatista/fleetsync/internal/sink"
	"github.com/saviobatista/fleetsync/internal/syncer"
	"github.com/spf13/cobra"
)

// app carries what the subcommands share
type app struct {
	dbPath string
	out    io.Writer

	// uploader builds the drain target; replaced in tests
	uploader func() (syncer.Uploader, func() error, error)
}

func newApp(out io.Writer) *app {
	a := &app{out: out}
	a.uploader = func() (syncer.Uploader, func() error, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		rem, err := sink.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return rem.Uploader, rem.Close, nil
	}
	return a
}

func (a *app) withQueue(fn func(*queue.Queue) error) error {
	db, err := localdb.Open(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", a.dbPath, err)
	}
	defer db.Close()
	return fn(queue.New(db))
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "queuectl",
		Short: "Inspect and drain the local telemetry queue",
		Long: `queuectl operates on the SQLite queue of a tracker: it reports what is
waiting for upload, shows the queued packets of a session and can push the
backlog to the configured remote sink.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(a.out)

	rootCmd.PersistentFlags().StringVar(&a.dbPath, "db", envOr("LOCAL_DB_PATH", "./fleetsync.db"), "Path to the local queue database")

	rootCmd.AddCommand(pendingCmd(a))
	rootCmd.AddCommand(inspectCmd(a))
	rootCmd.AddCommand(drainCmd(a))
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// pendingCmd prints pending counts per session
func pendingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show pending packets per session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withQueue(func(q *queue.Queue) error {
				counts, err := q.CountPendingBySession(cmd.Context())
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(counts))
				total := 0
				for id, n := range counts {
					ids = append(ids, id)
					total += n
				}
				sort.Strings(ids)

				w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tPENDING")
				for _, id := range ids {
					fmt.Fprintf(w, "%s\t%d\n", id, counts[id])
				}
				fmt.Fprintf(w, "TOTAL\t%d\n", total)
				return w.Flush()
			})
		},
	}
}

// inspectCmd lists the queued items of one session
func inspectCmd(a *app) *cobra.Command {
	var sessionID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List queued packets of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withQueue(func(q *queue.Queue) error {
				items, err := q.ListBySession(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(a.out)
					enc.SetIndent("", "  ")
					return enc.Encode(items)
				}

				w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCAPTURED\tLAT\tLNG\tACCURACY\tRETRIES")
				for _, it := range items {
					fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%.1f\t%d\n",
						it.ID, it.Packet.Timestamp.UTC().Format(time.RFC3339), it.Packet.Latitude,
						it.Packet.Longitude, it.Packet.Accuracy, it.RetryCount)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print items as JSON")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// drainCmd uploads the whole backlog once
func drainCmd(a *app) *cobra.Command {
	var batchSize int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Upload every pending packet to the remote sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			uploader, closeFn, err := a.uploader()
			if err != nil {
				return fmt.Errorf("failed to build uploader: %w", err)
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return a.withQueue(func(q *queue.Queue) error {
				n, err := drain(ctx, q, uploader, batchSize)
				fmt.Fprintf(a.out, "uploaded %d packets\n", n)
				return err
			})
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 50, "Items per upload")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up after this long")
	return cmd
}

// drain runs sync passes until the queue is empty or a pass fails
func drain(ctx context.Context, store syncer.Store, uploader syncer.Uploader, batchSize int) (int, error) {
	cfg := syncer.DefaultConfig()
	cfg.BatchSize = batchSize
	engine := syncer.New(store, uploader, syncer.NewStatusFlag(true), cfg)
	defer engine.Stop()

	total := 0
	for {
		res := engine.TriggerSync(ctx)
		total += res.Uploaded
		if res.Err != nil {
			return total, res.Err
		}
		if !res.More {
			return total, nil
		}
	}
}

func main() {
	if err := newRootCmd(newApp(os.Stdout)).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
