package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nostr-relay-engine/internal/config"
	"nostr-relay-engine/internal/filter"
	"nostr-relay-engine/internal/nostr"
	"nostr-relay-engine/internal/relay"
	"nostr-relay-engine/internal/types"
)

var (
	// Version info (set at build time)
	version   = "dev"
	gitCommit = "unknown"

	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "nostr-relay-engine",
	Short: "Nostr relay subscription engine",
	Long: `nostr-relay-engine keeps a pool of websocket connections to Nostr relays,
multiplexes deduplicated subscriptions over them within each relay's
concurrency limit, persists incoming events and retries undelivered publishes.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $RELAYS_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	runCmd.Flags().StringSliceVar(&runFlags.authors, "author", nil, "subscribe to events by this pubkey, npub or nprofile (repeatable)")
	runCmd.Flags().StringVar(&runFlags.event, "event", "", "fetch one event by hex id, note or nevent")
	runCmd.Flags().IntSliceVar(&runFlags.kinds, "kind", nil, "restrict the subscription to these kinds")
	runCmd.Flags().StringSliceVar(&runFlags.relays, "relay", nil, "relays to subscribe on (default: resolved relay set)")
	runCmd.Flags().IntVar(&runFlags.limit, "limit", 0, "limit for the initial request (0 = none)")
	runCmd.Flags().BoolVar(&runFlags.keepOpen, "keep-open", true, "keep the subscription open after EOSE")
	runCmd.Flags().StringVar(&runFlags.addr, "addr", "", "status server address (overrides http.addr)")

	publishCmd.Flags().StringVar(&publishFlags.content, "content", "", "note text")
	publishCmd.Flags().StringSliceVar(&publishFlags.relays, "relay", nil, "relays to publish to (default: relays.publishRelays)")
	publishCmd.Flags().DurationVar(&publishFlags.wait, "wait", 5*time.Second, "how long to wait for relay acknowledgements")
	_ = publishCmd.MarkFlagRequired("content")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// setup loads configuration and installs the logger
func setup() (*config.Config, string, *slog.Logger, error) {
	path := config.ResolvePath(cfgFile)
	cfg, err := config.ReloadRelaysConfig(path)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger := InitLogger(os.Stdout, level, cfg.Log.Format)
	return cfg, path, logger, nil
}

var runFlags struct {
	authors  []string
	event    string
	kinds    []int
	relays   []string
	limit    int
	keepOpen bool
	addr     string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine and the status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, logger, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		a.service.OnSaved(func(saved *types.SavedEvent) {
			slog.Debug("event saved", "event", nostr.ShortID(saved.Event.ID), "kind", saved.Event.Kind, "created_at", saved.Event.CreatedTime(), "seen_on", len(saved.SeenOn))
		})

		addr := cfg.HTTP.Addr
		if runFlags.addr != "" {
			addr = runFlags.addr
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           newRouter(a.service, a.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return a.service.Run(ctx)
		})
		g.Go(func() error {
			slog.Info("status server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			if err := config.Watch(ctx, path, a.applyRelayLists); err != nil {
				slog.Warn("config reload disabled", "path", path, "error", err)
			}
			return nil
		})
		g.Go(func() error {
			last := -1
			for n := range a.service.WatchConnectedRelays(ctx) {
				if n != last {
					slog.Info("connected relays", "count", n)
					last = n
				}
			}
			return nil
		})

		if a.key.Valid() {
			own := a.key.PublicKeyHex()
			if h, err := a.service.RequestRelayList(ctx, own, cfg.Relays.FallbackRelays...); err != nil {
				slog.Warn("could not request own relay list", "error", err)
			} else {
				defer h.Release()
			}
		}

		handles, err := subscribeFromFlags(ctx, a.service)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("subscribe: %w", err)
		}
		if handles != nil {
			defer handles.Release()
			slog.Info("subscribed", "handle", handles.ID, "subscriptions", len(handles.SubscriptionIDs()))
		}

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// subscribeFromFlags issues the subscriptions requested on the command line.
// It returns nil when none were requested.
func subscribeFromFlags(ctx context.Context, svc *relay.Service) (*relay.Handle, error) {
	relays := append([]string(nil), runFlags.relays...)
	var handles []*relay.Handle

	if runFlags.event != "" {
		e, err := nostr.DecodeEntity(runFlags.event)
		if err != nil || e.IsPubkey() {
			return nil, fmt.Errorf("--event %q is not an event id", runFlags.event)
		}
		var h *relay.Handle
		if targets := append(relays, e.RelayHints...); len(targets) > 0 {
			limit := 1
			h, err = svc.Subscribe(ctx, filter.Filter{IDs: []string{e.Hex}, Limit: &limit}, targets...)
		} else {
			h, err = svc.RequestEvent(ctx, e.Hex)
		}
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}

	if len(runFlags.authors) > 0 || len(runFlags.kinds) > 0 {
		authors := make([]string, 0, len(runFlags.authors))
		for _, a := range runFlags.authors {
			e, err := nostr.DecodeEntity(a)
			if err != nil || !(e.IsPubkey() || e.Prefix == "hex") {
				return nil, fmt.Errorf("--author %q is not a pubkey", a)
			}
			authors = append(authors, e.Hex)
			relays = append(relays, e.RelayHints...)
		}
		f := filter.Filter{
			Authors:   authors,
			Kinds:     runFlags.kinds,
			Subscribe: runFlags.keepOpen,
		}
		if runFlags.limit > 0 {
			f.Limit = &runFlags.limit
		}
		h, err := svc.Subscribe(ctx, filter.New(f), relays...)
		if err != nil {
			relay.Join(handles...).Release()
			return nil, err
		}
		handles = append(handles, h)
	}

	if len(handles) == 0 {
		return nil, nil
	}
	return relay.Join(handles...), nil
}

var publishFlags struct {
	content string
	relays  []string
	wait    time.Duration
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Sign and publish a text note",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, logger, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		if !a.key.Valid() {
			return errors.New("publishing needs identity.secretKey")
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = a.service.Run(runCtx) }()

		evt, err := a.service.Publish(ctx, types.Event{
			Kind:      1,
			CreatedAt: time.Now().Unix(),
			Tags:      [][]string{},
			Content:   publishFlags.content,
		}, publishFlags.relays, &a.key)
		if err != nil {
			return err
		}

		saved := awaitPublished(ctx, a, evt.ID, publishFlags.wait)
		fmt.Printf("%s\n", evt.ID)
		if saved != nil {
			fmt.Printf("  accepted by %d of %d relays\n", len(saved.PublishedTo), len(saved.ShouldPublishTo))
		}
		return nil
	},
}

// awaitPublished polls the store until every target relay acknowledged id or wait elapses
func awaitPublished(ctx context.Context, a *app, id string, wait time.Duration) *types.SavedEvent {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var saved *types.SavedEvent
	for {
		if s, err := a.store.Find(ctx, id); err == nil {
			saved = s
			if len(s.PublishedTo) >= len(s.ShouldPublishTo) {
				return saved
			}
		}
		select {
		case <-ctx.Done():
			return saved
		case <-deadline.C:
			return saved
		case <-ticker.C:
		}
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nostr-relay-engine %s\n", version)
		fmt.Printf("  Git commit: %s\n", gitCommit)
	},
}

// describe turns engine sentinel errors into operator-facing messages
func describe(err error) string {
	switch {
	case errors.Is(err, relay.ErrNoRelays):
		return "no usable relays configured"
	case errors.Is(err, relay.ErrClosed):
		return "engine is shutting down"
	default:
		return err.Error()
	}
}
