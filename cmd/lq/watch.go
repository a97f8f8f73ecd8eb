package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/beads-live/internal/hostsignal"
	"github.com/steveyegge/beads-live/internal/livequery"
	"github.com/steveyegge/beads-live/internal/logging"
	"github.com/steveyegge/beads-live/internal/query"
	"github.com/steveyegge/beads-live/internal/remote"
	"github.com/steveyegge/beads-live/internal/schema"
	"github.com/steveyegge/beads-live/internal/ui"
)

// watchOptions are the query flags of lq watch.
type watchOptions struct {
	Order      string
	Descending bool
	Status     string
	Collection string
	Traits     []string
	IDs        []string
	PageSize   int
}

// buildQuery turns flag values into the base query.
func buildQuery(opts watchOptions) (query.Query, error) {
	q := query.New()
	if opts.PageSize > 0 {
		q.Paging.Count = opts.PageSize
	}

	field, err := query.ParseOrderField(opts.Order)
	if err != nil {
		return query.Query{}, err
	}
	q.Ordering = query.Ordering{Field: field, Descending: opts.Descending}

	q.Predicate.Status = opts.Status
	q.Predicate.Collection = opts.Collection
	q.Predicate.IDs = opts.IDs
	for _, name := range opts.Traits {
		kind, err := schema.ParseTraitKind(name)
		if err != nil {
			return query.Query{}, err
		}
		q.Predicate.Traits = append(q.Predicate.Traits, kind)
	}

	if err := q.Validate(); err != nil {
		return query.Query{}, err
	}
	return q, nil
}

// wantsExpand reports whether the watcher should load another page.
func wantsExpand(v livequery.View, limit int) bool {
	return v.CanExpand && (limit <= 0 || len(v.Results) < limit)
}

// sameRender reports whether the list in b would print exactly like a: the same
// entity revisions in the same order with the same footer.
func sameRender(a, b []schema.Entity, sa, sb ui.ListState) bool {
	if sa != sb || len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].SameVersion(&b[i]) {
			return false
		}
	}
	return true
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "live",
	Short:   "Follow a live paged query",
	Long: `Connect to an lq server and print the results of a live query every time
they change.

Pages are loaded until --limit results are shown or the result set is
exhausted. Pages keep updating after they are loaded: inserts, edits and
deletes anywhere in the loaded range show up. When the connection drops, the
last results stay on screen and reload once the server is back; SIGCONT
(resuming a stopped process) forces an immediate reload attempt.

Examples:
  lq watch --status open --order priority
  lq watch --collection inbox --desc --limit 20
  lq watch --once --trait task`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		opts := watchOptions{PageSize: cfg.Watch.PageSize}
		opts.Order, _ = flags.GetString("order")
		opts.Descending, _ = flags.GetBool("desc")
		opts.Status, _ = flags.GetString("status")
		opts.Collection, _ = flags.GetString("collection")
		opts.Traits, _ = flags.GetStringSlice("trait")
		opts.IDs, _ = flags.GetStringSlice("id")
		once, _ := flags.GetBool("once")

		q, err := buildQuery(opts)
		if err != nil {
			return fmt.Errorf("invalid query: %w", err)
		}
		limit := cfg.Watch.Limit

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log := logging.FromContext(ctx)

		signals := hostsignal.NewBroadcaster()
		hostsignal.NotifyOnSignals(ctx, signals, hostsignal.ForegroundSignals()...)

		client := remote.NewClient(&remote.ClientConfig{
			URL:            cfg.Watch.URL,
			DialTimeout:    5 * time.Second,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     cfg.Watch.RetryMaxInterval,
			OnConnect:      signals.Notify,
			Logger:         log,
		})
		client.Start()
		defer client.Close()

		aggCfg := livequery.DefaultConfig()
		aggCfg.RetryInterval = cfg.Watch.RetryInterval
		aggCfg.RetryMultiplier = cfg.Watch.RetryMultiplier
		aggCfg.RetryMaxInterval = cfg.Watch.RetryMaxInterval
		aggCfg.InhibitDelay = cfg.Watch.InhibitDelay
		aggCfg.ExpandedPageCount = cfg.Watch.ExpandedPageCount
		aggCfg.Signal = signals
		aggCfg.Logger = log

		views := make(chan livequery.View, 1)
		ready := make(chan struct{})
		var agg *livequery.Aggregator
		agg = livequery.New(client, q, func(v livequery.View) {
			<-ready
			if wantsExpand(v, limit) {
				agg.Expand()
			}
			// Keep only the latest view for the printer
			select {
			case <-views:
			default:
			}
			views <- v
		}, aggCfg)
		close(ready)
		defer agg.Close()

		printed := false
		var lastResults []schema.Entity
		var lastState ui.ListState
		for {
			select {
			case <-ctx.Done():
				return nil
			case v := <-views:
				// Skip the intermediate views of the initial page-in
				if wantsExpand(v, limit) {
					continue
				}
				if !printed && len(v.Results) == 0 && v.Dirty {
					fmt.Printf("%s Waiting for %s...\n", ui.RenderWarn("⚠"), cfg.Watch.URL)
					continue
				}
				results := v.Results
				if limit > 0 && len(results) > limit {
					results = results[:limit]
				}
				state := ui.ListState{CanExpand: v.CanExpand, Dirty: v.Dirty}
				// Retries and pinned page reloads repeat the same list
				if printed && sameRender(lastResults, results, lastState, state) {
					continue
				}
				if printed {
					fmt.Println()
				}
				fmt.Printf("%s %s\n", ui.RenderAccent("●"), ui.RenderMuted(time.Now().Format("15:04:05")))
				fmt.Print(ui.RenderEntities(results, state))
				printed = true
				lastResults, lastState = results, state
				if once && !v.Dirty {
					return nil
				}
			}
		}
	},
}

func init() {
	flags := watchCmd.Flags()
	flags.String("url", "ws://127.0.0.1:7420/ws", "server WebSocket endpoint")
	flags.String("order", "updated", "order by updated, created, priority, or id")
	flags.Bool("desc", false, "descending order")
	flags.String("status", "", "only tasks with this status")
	flags.String("collection", "", "only entities in this collection")
	flags.StringSlice("trait", nil, "only entities carrying these trait kinds")
	flags.StringSlice("id", nil, "only these entity ids")
	flags.Int("page-size", 50, "entities per page")
	flags.Int("limit", 200, "stop loading pages after this many results (0 loads everything)")
	flags.Duration("retry-interval", 2*time.Second, "minimum time between reconnect attempts of a failed page")
	flags.Float64("retry-multiplier", 1, "grow the retry interval by this factor after every attempt")
	flags.Duration("retry-max-interval", 30*time.Second, "cap for the grown retry interval")
	flags.Bool("once", false, "print the first complete result and exit")
	rootCmd.AddCommand(watchCmd)
}
