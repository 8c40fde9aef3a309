package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"nostr-relay-engine/internal/config"
	"nostr-relay-engine/internal/metrics"
	"nostr-relay-engine/internal/nostr"
	"nostr-relay-engine/internal/relay"
	"nostr-relay-engine/internal/store"
)

// app bundles the running engine and the things it was built from
type app struct {
	cfg      *config.Config
	store    store.Store
	service  *relay.Service
	registry *prometheus.Registry
	key      nostr.KeyPair
}

func relayConfig(cfg *config.Config) relay.Config {
	return relay.Config{
		FallbackRelays:      cfg.Relays.FallbackRelays,
		UserRelays:          cfg.Relays.UserRelays,
		PublishRelays:       cfg.Relays.PublishRelays,
		SearchRelayHosts:    cfg.Relays.SearchRelayHosts,
		Ceiling:             cfg.Engine.SubscriptionCeiling,
		StaleAfter:          cfg.Engine.StaleAfter,
		QueueInterval:       cfg.Engine.QueueInterval,
		MaintenanceInterval: cfg.Engine.MaintenanceInterval,
		ParseBatchSize:      cfg.Engine.ParseBatchSize,
		DialTimeout:         cfg.Engine.DialTimeout,
		DialsPerSecond:      cfg.Engine.DialsPerSecond,
		DialBurst:           cfg.Engine.DialBurst,
		SendBuffer:          cfg.Engine.SendBuffer,
		AllowPrivateRelays:  cfg.Engine.AllowPrivateRelays,
	}
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:   cfg.Store.Driver,
		Path:     cfg.Store.Path,
		RedisURL: cfg.Store.RedisURL,
		Prefix:   cfg.Store.Prefix,
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, storeConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := metrics.NewRegistry()
	collector := metrics.NewCollector(reg, cfg.Store.Driver)

	opts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithMetrics(collector),
		relay.WithReporter(collector),
	}

	var key nostr.KeyPair
	if cfg.Identity.SecretKey != "" {
		key, err = nostr.KeyPairFromHex(cfg.Identity.SecretKey)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("identity.secretKey: %w", err)
		}
		opts = append(opts, relay.WithKeyPair(key))
		logger.Info("identity loaded", "pubkey", nostr.ShortID(key.PublicKeyHex()))
	}

	svc := relay.NewService(st, relayConfig(cfg), opts...)
	return &app{cfg: cfg, store: st, service: svc, registry: reg, key: key}, nil
}

// applyRelayLists pushes reloaded relay lists into the running service
func (a *app) applyRelayLists(cfg *config.Config) {
	a.service.SetRelayLists(cfg.Relays.FallbackRelays, cfg.Relays.UserRelays, cfg.Relays.PublishRelays)
}

func (a *app) Close() {
	a.service.Close()
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}
