// Command revpctl runs the reverse-proxy control plane: it discovers
// containers on a set of SSH-reachable hosts, compiles routing intent
// from their labels plus a static route file, and continuously
// reconciles a Caddy-style proxy's live configuration to match.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snadboy/revpctl/internal/clock"
	"github.com/snadboy/revpctl/internal/config"
	"github.com/snadboy/revpctl/internal/events"
	"github.com/snadboy/revpctl/internal/hostobserver"
	"github.com/snadboy/revpctl/internal/logging"
	"github.com/snadboy/revpctl/internal/metrics"
	"github.com/snadboy/revpctl/internal/model"
	"github.com/snadboy/revpctl/internal/notify"
	"github.com/snadboy/revpctl/internal/proxyclient"
	"github.com/snadboy/revpctl/internal/reconciler"
	"github.com/snadboy/revpctl/internal/serviceregistry"
	"github.com/snadboy/revpctl/internal/sshexec"
	"github.com/snadboy/revpctl/internal/statecache"
	"github.com/snadboy/revpctl/internal/staticstore"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("revpctl " + versionString())
	fmt.Println("=============================================")
	for k, v := range cfg.Values() {
		fmt.Printf("%s=%s\n", k, v)
	}
	fmt.Println("=============================================")

	doc, err := config.LoadDocument(cfg.DocPath)
	if err != nil {
		log.Error("failed to load config document", "path", cfg.DocPath, "error", err)
		os.Exit(1)
	}

	cache, err := statecache.Open(cfg.StateDBPath)
	if err != nil {
		log.Error("failed to open state cache", "path", cfg.StateDBPath, "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	bus := events.New()
	clk := clock.Real{}

	notifier := buildNotifier(cfg, log)
	bridgeBusToNotifier(ctx, bus, notifier)

	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics server listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
			defer shutCancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	proxy := proxyclient.New(doc.ProxyAdminURL, 10*time.Second)

	// registry and recon are mutually referential (the registry's onDiff
	// closure enqueues into the reconciler; the reconciler's desired-state
	// snapshot reads from the registry), so both are forward-declared and
	// assigned after both constructors have run.
	var registry *serviceregistry.Registry
	var recon *reconciler.Reconciler

	registry = serviceregistry.New(func(diff serviceregistry.Diff) {
		now := clk.Now()
		for _, svc := range diff.Added {
			bus.Publish(events.Event{Type: events.EventServiceAdded, Domain: svc.Domain, HostAlias: svc.HostAlias, Timestamp: now})
			recon.Enqueue(svc)
		}
		for _, svc := range diff.Updated {
			bus.Publish(events.Event{Type: events.EventServiceUpdated, Domain: svc.Domain, HostAlias: svc.HostAlias, Timestamp: now})
			recon.Enqueue(svc)
		}
		for _, svc := range diff.Removed {
			bus.Publish(events.Event{Type: events.EventServiceRemoved, Domain: svc.Domain, HostAlias: svc.HostAlias, Timestamp: now})
			recon.EnqueueRemoval(svc.Domain)
		}
		metrics.ServicesTotal.Set(float64(len(registry.Desired())))
	})

	recon = reconciler.New(reconciler.Config{
		Proxy:                   proxy,
		Clock:                   clk,
		Bus:                     bus,
		MaxConcurrentReconciles: cfg.MaxConcurrentReconciles(),
		ReconcileInterval:       cfg.ReconcileInterval(),
		CronSchedule:            cfg.ReconcileCronSchedule(),
		DesiredSnapshot:         registry.Desired,
	})

	var store *staticstore.Store
	store, err = staticstore.New(doc.StaticRoutesPath, clk, func() {
		registry.SyncStaticRecords(store)
		bus.Publish(events.Event{Type: events.EventStaticFileReloaded, Timestamp: clk.Now()})
	})
	if err != nil {
		log.Error("failed to open static route store", "path", doc.StaticRoutesPath, "error", err)
		os.Exit(1)
	}
	registry.SyncStaticRecords(store)

	// Poll the static file for changes made outside of this process
	// (e.g. hand-edited while revpctl is running).
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.CheckExternalChange(); err != nil {
					log.Warn("static route file check failed", "error", err)
				}
			}
		}
	}()

	executor := sshexec.New()
	hostAddrByAlias := make(map[string]string, len(doc.Hosts))
	containerEvents := make(chan hostobserver.ContainerEvent, 1024)

	activeHosts := 0
	for _, h := range doc.Hosts {
		if !h.Enabled() {
			log.Info("host disabled, skipping observer", "alias", h.Alias)
			continue
		}
		activeHosts++
		hostAddrByAlias[h.Alias] = h.Address

		addr := h.Address
		if h.Port != 0 {
			addr = fmt.Sprintf("%s:%d", h.Address, h.Port)
		}
		executor.AddHost(sshexec.HostConfig{
			Alias:       h.Alias,
			Address:     addr,
			User:        h.User,
			KeyPath:     h.KeyPath,
			DialTimeout: 10 * time.Second,
		})

		alias := h.Alias
		observer := hostobserver.New(hostobserver.Config{
			Alias:             alias,
			HostAddress:       h.Address,
			Executor:          executor,
			Clock:             clk,
			HeartbeatDeadline: cfg.HeartbeatDeadline(),
			ReconcileInterval: cfg.ReconcileInterval(),
			Events:            containerEvents,
			OnStateChange: func(state model.HostState, reason string) {
				onHostStateChange(bus, cache, clk, log, alias, state, reason)
			},
		})
		go observer.Run(ctx)
	}
	metrics.HostsTotal.Set(float64(activeHosts))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-containerEvents:
				registry.ApplyContainerEvent(evt, hostAddrByAlias[evt.HostAlias])
			}
		}
	}()

	recon.Run(ctx)

	log.Info("revpctl shutdown complete")
}

// onHostStateChange records a host's FSM transition in the restart-equivalence
// cache and publishes a bus event when connectivity itself changes.
func onHostStateChange(bus *events.Bus, cache *statecache.Cache, clk clock.Clock, log *logging.Logger, alias string, state model.HostState, reason string) {
	now := clk.Now()
	// The observer records Init at the start of every connect cycle, so
	// prev is the previous state within the current cycle.
	prev, _, _ := cache.GetHostState(alias)
	if err := cache.PutHostState(statecache.HostRecord{Alias: alias, State: state, LastSeen: now}); err != nil {
		log.Warn("failed to persist host state", "alias", alias, "error", err)
	}

	switch state {
	case model.HostStreaming:
		metrics.HostsConnected.Inc()
		bus.Publish(events.Event{Type: events.EventHostConnected, HostAlias: alias, Timestamp: now})
	case model.HostBackoff:
		if prev.State != model.HostStreaming {
			return // a failed connect, not a lost connection
		}
		metrics.HostsConnected.Dec()
		bus.Publish(events.Event{Type: events.EventHostDisconnected, HostAlias: alias, Message: reason, Timestamp: now})
	}
}

func buildNotifier(cfg *config.Config, log *logging.Logger) *notify.Multi {
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))

	if cfg.GotifyURL != "" {
		settings, _ := json.Marshal(notify.GotifySettings{URL: cfg.GotifyURL, Token: cfg.GotifyToken})
		if n, err := notify.BuildNotifier(notify.Channel{Type: notify.ProviderGotify, Settings: settings}); err == nil {
			notifiers = append(notifiers, n)
			log.Info("gotify notifications enabled", "url", cfg.GotifyURL)
		}
	}
	if cfg.WebhookURL != "" {
		settings, _ := json.Marshal(notify.WebhookSettings{URL: cfg.WebhookURL})
		if n, err := notify.BuildNotifier(notify.Channel{Type: notify.ProviderWebhook, Settings: settings}); err == nil {
			notifiers = append(notifiers, n)
			log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
		}
	}
	if cfg.MQTTBroker != "" {
		settings, _ := json.Marshal(notify.MQTTSettings{Broker: cfg.MQTTBroker, Topic: cfg.MQTTTopic})
		if n, err := notify.BuildNotifier(notify.Channel{Type: notify.ProviderMQTT, Settings: settings}); err == nil {
			notifiers = append(notifiers, n)
			log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker)
		}
	}
	return notify.NewMulti(log, notifiers...)
}

// bridgeBusToNotifier forwards a filtered subset of bus events on to the
// notification chain; routine state-churn (route applied, added/updated)
// is left to metrics and logs, not external alerts.
func bridgeBusToNotifier(ctx context.Context, bus *events.Bus, notifier *notify.Multi) {
	alertable := map[events.EventType]notify.EventType{
		events.EventHostConnected:        notify.EventHostConnected,
		events.EventHostDisconnected:     notify.EventHostDisconnected,
		events.EventServiceDegraded:      notify.EventServiceDegraded,
		events.EventServiceRecovered:     notify.EventServiceRecovered,
		events.EventRouteOrphanCollected: notify.EventOrphanCollected,
	}

	ch, cancel := bus.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				nt, ok := alertable[evt.Type]
				if !ok {
					continue
				}
				notifier.Notify(ctx, notify.Event{
					Type:      nt,
					Domain:    evt.Domain,
					HostAlias: evt.HostAlias,
					Message:   evt.Message,
					Timestamp: evt.Timestamp,
				})
			}
		}
	}()
}
