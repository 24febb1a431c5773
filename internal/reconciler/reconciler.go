// Package reconciler is the Route Reconciler (C6): it keeps one Intent
// per domain, serializes at most one in-flight operation per domain
// across a bounded worker pool, classifies proxy failures into
// retry/degrade/repair actions, and periodically sweeps the proxy's
// live route list for drift and orphans.
package reconciler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snadboy/revpctl/internal/clock"
	"github.com/snadboy/revpctl/internal/events"
	"github.com/snadboy/revpctl/internal/metrics"
	"github.com/snadboy/revpctl/internal/model"
	"github.com/snadboy/revpctl/internal/proxyclient"
)

// ProxyClient is the subset of proxyclient.Client the reconciler needs.
// Defined here, at the point of use, so tests can supply a fake.
type ProxyClient interface {
	ListRoutes(ctx context.Context) ([]proxyclient.RouteSummary, error)
	PutRoute(ctx context.Context, routeID string, payload proxyclient.RoutePayload) error
	DeleteRoute(ctx context.Context, routeID string) error
}

// Action is what happened to a domain's Intent.
type Action int

const (
	ActionUpsert Action = iota
	ActionRemove
)

const (
	backoffBase       = 100 * time.Millisecond
	backoffFactor     = 4
	backoffCap        = 30 * time.Second
	defaultMaxRetries = 8
)

// intentState is the reconciler's private bookkeeping for one domain.
type intentState struct {
	service    *model.Service // nil when Action is ActionRemove
	generation uint64
	applied    uint64
	degraded   bool
	// running is true while a worker goroutine is draining this domain.
	// It is set and cleared under r.mu in the same critical section as
	// the generation/applied check, so an Enqueue that arrives right as
	// the worker is about to exit either bumps generation before the
	// worker observes generation == applied (the worker loops again) or
	// after the worker has cleared running (scheduleWorker sees running
	// == false and starts a fresh one) -- there is no window where a
	// bumped generation is missed by both.
	running bool
}

// Config configures a Reconciler.
type Config struct {
	Proxy                   ProxyClient
	Clock                   clock.Clock
	Bus                     *events.Bus
	MaxConcurrentReconciles int
	MaxRetries              int
	ReconcileInterval       time.Duration
	CronSchedule            string // optional; overrides ReconcileInterval when set
	// DesiredSnapshot returns the Service Registry's current Desired
	// set, used by the periodic sweep to detect drift and orphans.
	DesiredSnapshot func() []model.Service
}

// Reconciler is the Route Reconciler (C6).
type Reconciler struct {
	proxy  ProxyClient
	clock  clock.Clock
	bus    *events.Bus
	sem    chan struct{}
	maxRetries int

	reconcileInterval time.Duration
	cronSchedule      string
	desiredSnapshot   func() []model.Service

	mu      sync.Mutex
	intents map[string]*intentState
	// appliedHashes is route-id -> a local fingerprint of the payload this
	// process last successfully PutRoute'd, used by Sweep to notice a
	// Desired change Sweep itself needs to re-apply. It is not the live
	// route's own hash: the proxy may store a normalized document that
	// never round-trips byte-for-byte against what was submitted, so the
	// two hash spaces are never compared against each other.
	appliedHashes map[string]string
}

// New creates a Reconciler ready to Enqueue work and Run its sweep loop.
func New(cfg Config) *Reconciler {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	maxConc := cfg.MaxConcurrentReconciles
	if maxConc <= 0 {
		maxConc = 16
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	ri := cfg.ReconcileInterval
	if ri <= 0 {
		ri = 5 * time.Minute
	}
	return &Reconciler{
		proxy:             cfg.Proxy,
		clock:             c,
		bus:               cfg.Bus,
		sem:               make(chan struct{}, maxConc),
		maxRetries:        maxRetries,
		reconcileInterval: ri,
		cronSchedule:      cfg.CronSchedule,
		desiredSnapshot:   cfg.DesiredSnapshot,
		intents:           make(map[string]*intentState),
		appliedHashes:     make(map[string]string),
	}
}

// Enqueue records a domain's desired service (Added/Updated) and
// schedules a worker for it. Callers never block: bumping the
// generation is always cheap, and at most one worker runs per domain
// regardless of how many times Enqueue fires while one is in flight.
func (r *Reconciler) Enqueue(svc model.Service) {
	r.mu.Lock()
	st, ok := r.intents[svc.Domain]
	if !ok {
		st = &intentState{}
		r.intents[svc.Domain] = st
	}
	svcCopy := svc
	st.service = &svcCopy
	st.generation++
	r.mu.Unlock()

	metrics.ReconcileQueueDepth.Inc()
	r.scheduleWorker(svc.Domain)
}

// EnqueueRemoval records that a domain's service was removed and
// schedules cleanup of its routes.
func (r *Reconciler) EnqueueRemoval(domain string) {
	r.mu.Lock()
	st, ok := r.intents[domain]
	if !ok {
		st = &intentState{}
		r.intents[domain] = st
	}
	st.service = nil
	st.generation++
	r.mu.Unlock()

	metrics.ReconcileQueueDepth.Inc()
	r.scheduleWorker(domain)
}

func (r *Reconciler) scheduleWorker(domain string) {
	r.mu.Lock()
	st, ok := r.intents[domain]
	if !ok || st.running {
		// Either the domain was removed from under us (shouldn't happen,
		// Enqueue/EnqueueRemoval always create the entry first) or a
		// worker is already running; it will notice the new generation
		// before it clears running.
		r.mu.Unlock()
		return
	}
	st.running = true
	r.mu.Unlock()

	go func() {
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
		r.drainDomain(domain)
	}()
}

// drainDomain repeatedly applies the domain's latest Intent until the
// applied generation catches up, so a burst of Enqueue calls while a
// worker is busy collapses into one final reconcile instead of a queue
// of stale intermediate ones. running is cleared in the same critical
// section as the final generation check so a late Enqueue can never be
// dropped (see intentState.running).
func (r *Reconciler) drainDomain(domain string) {
	for {
		r.mu.Lock()
		st, ok := r.intents[domain]
		if !ok || st.generation == st.applied {
			if ok {
				st.running = false
			}
			r.mu.Unlock()
			return
		}
		gen := st.generation
		var svc *model.Service
		if st.service != nil {
			s := *st.service
			svc = &s
		}
		r.mu.Unlock()

		r.reconcileOne(domain, svc, gen)
		metrics.ReconcileQueueDepth.Dec()
	}
}

// reconcileOne drives one domain's Intent to the proxy with the
// retry/degrade/conflict classification from spec §4.6. Returns once
// either success is recorded against gen, the generation goes stale
// (a newer Enqueue superseded it), or retries are exhausted.
func (r *Reconciler) reconcileOne(domain string, svc *model.Service, gen uint64) {
	start := r.clock.Now()
	ctx := context.Background()

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if r.stale(domain, gen) {
			metrics.ReconcileDuration.Observe(r.clock.Since(start).Seconds())
			return
		}

		var err error
		if svc != nil {
			err = r.applyUpsert(ctx, *svc)
		} else {
			err = r.applyRemoval(ctx, domain)
		}
		lastErr = err

		if err == nil {
			r.recordApplied(domain, gen)
			r.clearDegraded(domain)
			metrics.ReconcilesTotal.WithLabelValues("success").Inc()
			metrics.ReconcileDuration.Observe(r.clock.Since(start).Seconds())
			r.publish(events.EventRouteApplied, domain, "")
			return
		}

		cerr, _ := err.(*proxyclient.ClassifiedError)
		if cerr == nil {
			// Unclassified (e.g. build error before any HTTP call): treat
			// as permanent, since retrying cannot change the outcome.
			r.markDegraded(domain, err.Error())
			metrics.ReconcilesTotal.WithLabelValues("degraded").Inc()
			metrics.ReconcileDuration.Observe(r.clock.Since(start).Seconds())
			return
		}

		metrics.ProxyErrors.WithLabelValues(classLabel(cerr.Class)).Inc()

		switch cerr.Class {
		case proxyclient.ClassPermanent:
			r.markDegraded(domain, err.Error())
			metrics.ReconcilesTotal.WithLabelValues("degraded").Inc()
			metrics.ReconcileDuration.Observe(r.clock.Since(start).Seconds())
			return

		case proxyclient.ClassConflict:
			if svc != nil && r.repairConflict(ctx, domain, *svc) {
				r.recordApplied(domain, gen)
				r.clearDegraded(domain)
				metrics.ReconcilesTotal.WithLabelValues("success").Inc()
				metrics.ReconcileDuration.Observe(r.clock.Since(start).Seconds())
				r.publish(events.EventRouteApplied, domain, "")
				return
			}
			r.markDegraded(domain, "conflict: route id owned by another route after repair attempt")
			metrics.ReconcilesTotal.WithLabelValues("degraded").Inc()
			metrics.ReconcileDuration.Observe(r.clock.Since(start).Seconds())
			return

		case proxyclient.ClassTransient:
			if attempt == r.maxRetries {
				break
			}
			<-r.clock.After(backoffDelay(attempt))
		}
	}

	r.markDegraded(domain, fmt.Sprintf("exhausted retries: %v", lastErr))
	metrics.ReconcilesTotal.WithLabelValues("exhausted").Inc()
	metrics.ReconcileDuration.Observe(r.clock.Since(start).Seconds())
}

func (r *Reconciler) stale(domain string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.intents[domain]
	return !ok || st.generation != gen
}

func (r *Reconciler) recordApplied(domain string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.intents[domain]; ok {
		st.applied = gen
	}
}

func (r *Reconciler) markDegraded(domain, msg string) {
	r.mu.Lock()
	st, ok := r.intents[domain]
	wasDegraded := ok && st.degraded
	if ok {
		st.degraded = true
		st.applied = st.generation // stop retrying until inputs change
	}
	r.mu.Unlock()
	if !wasDegraded {
		r.publish(events.EventServiceDegraded, domain, msg)
	}
}

func (r *Reconciler) clearDegraded(domain string) {
	r.mu.Lock()
	st, ok := r.intents[domain]
	wasDegraded := ok && st.degraded
	if ok {
		st.degraded = false
	}
	r.mu.Unlock()
	if wasDegraded {
		r.publish(events.EventServiceRecovered, domain, "")
	}
}

func (r *Reconciler) publish(t events.EventType, domain, msg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{Type: t, Domain: domain, Message: msg, Timestamp: r.clock.Now()})
}

// applyUpsert issues put-route for every listener route derived from
// the service, HTTPS first, then HTTP. Mutations for one domain are
// never reordered, since only the worker that set the domain's running
// flag issues them.
func (r *Reconciler) applyUpsert(ctx context.Context, svc model.Service) error {
	routes := proxyclient.BuildRoutes(svc)
	for _, listener := range []model.Listener{model.ListenerHTTPS, model.ListenerHTTP} {
		payload := routes[listener]
		if err := r.proxy.PutRoute(ctx, payload.ID, payload); err != nil {
			return err
		}
	}
	r.recordAppliedHashes(routes)
	return nil
}

// applyRemoval deletes every route-id a service at this domain could
// have produced under either listener assignment. Missing routes are
// already idempotent at the proxyclient layer (404 => success).
func (r *Reconciler) applyRemoval(ctx context.Context, domain string) error {
	for _, listener := range []model.Listener{model.ListenerHTTPS, model.ListenerHTTP} {
		id := model.RouteID(domain, listener)
		if err := r.proxy.DeleteRoute(ctx, id); err != nil {
			return err
		}
		r.clearAppliedHash(id)
	}
	return nil
}

// recordAppliedHashes fingerprints each payload this call just applied
// successfully, so a later Sweep can tell a Desired change it hasn't
// seen yet (hash differs, or route-id never recorded) from a route that
// is genuinely unchanged since the last apply.
func (r *Reconciler) recordAppliedHashes(routes map[model.Listener]proxyclient.RoutePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payload := range routes {
		if h, err := proxyclient.HashPayload(payload); err == nil {
			r.appliedHashes[payload.ID] = h
		}
	}
}

func (r *Reconciler) clearAppliedHash(id string) {
	r.mu.Lock()
	delete(r.appliedHashes, id)
	r.mu.Unlock()
}

// repairConflict deletes the conflicting route-id then reapplies once.
// Returns true on success.
func (r *Reconciler) repairConflict(ctx context.Context, domain string, svc model.Service) bool {
	routes := proxyclient.BuildRoutes(svc)
	for _, listener := range []model.Listener{model.ListenerHTTPS, model.ListenerHTTP} {
		payload := routes[listener]
		_ = r.proxy.DeleteRoute(ctx, payload.ID)
	}
	return r.applyUpsert(ctx, svc) == nil
}

func classLabel(c proxyclient.ErrorClass) string {
	switch c {
	case proxyclient.ClassTransient:
		return "transient"
	case proxyclient.ClassPermanent:
		return "permanent"
	case proxyclient.ClassConflict:
		return "conflict"
	}
	return "unknown"
}

// backoffDelay computes the fixed exponential-with-full-jitter sequence
// from spec §4.6: 100ms, 400ms, 1.6s, 6.4s, capped at 30s.
func backoffDelay(attempt int) time.Duration {
	max := backoffBase
	for i := 0; i < attempt; i++ {
		max *= backoffFactor
		if max > backoffCap {
			max = backoffCap
			break
		}
	}
	if max <= 0 {
		max = backoffCap
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Run drives the periodic full sweep until ctx is cancelled. When a
// CronSchedule is configured, sweeps fire on the cron expression
// instead of the fixed ReconcileInterval.
func (r *Reconciler) Run(ctx context.Context) {
	if r.cronSchedule != "" {
		r.runCron(ctx)
		return
	}
	ticker := r.clock.After(r.reconcileInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker:
			r.Sweep(ctx)
			ticker = r.clock.After(r.reconcileInterval)
		}
	}
}

func (r *Reconciler) runCron(ctx context.Context) {
	schedule, err := cron.ParseStandard(r.cronSchedule)
	if err != nil {
		// Invalid cron expression: fall back to the fixed interval rather
		// than never sweeping at all.
		r.cronSchedule = ""
		r.Run(ctx)
		return
	}
	next := schedule.Next(r.clock.Now())
	for {
		wait := next.Sub(r.clock.Now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(wait):
			r.Sweep(ctx)
			next = schedule.Next(r.clock.Now())
		}
	}
}

// Sweep fetches the proxy's live route list and reconciles it against
// the Desired set: orphaned route-ids get deleted, stale or missing
// Desired domains get re-enqueued. "Stale" is judged against this
// process's own record of the last payload it successfully applied
// (appliedHashes), not against the live route's hash -- the proxy may
// normalize a stored document, so a byte-for-byte compare against the
// live hash would false-positive on every route, even ones nothing
// ever changed.
func (r *Reconciler) Sweep(ctx context.Context) {
	start := r.clock.Now()
	defer func() {
		metrics.SweepsTotal.Inc()
		metrics.SweepDuration.Observe(r.clock.Since(start).Seconds())
	}()

	if r.desiredSnapshot == nil {
		return
	}
	desired := r.desiredSnapshot()

	live, err := r.proxy.ListRoutes(ctx)
	if err != nil {
		return
	}
	liveByID := make(map[string]string, len(live)) // id -> payload hash
	for _, l := range live {
		liveByID[l.ID] = l.PayloadHash
	}

	ownedIDs := make(map[string]bool, len(desired)*2)
	for _, svc := range desired {
		routes := proxyclient.BuildRoutes(svc)
		stale := false
		for _, payload := range routes {
			ownedIDs[payload.ID] = true
			if _, present := liveByID[payload.ID]; !present {
				stale = true
				continue
			}
			h, err := proxyclient.HashPayload(payload)
			if err != nil {
				continue
			}
			r.mu.Lock()
			applied, ok := r.appliedHashes[payload.ID]
			r.mu.Unlock()
			if !ok || applied != h {
				stale = true
			}
		}
		if stale {
			r.Enqueue(svc)
		}
	}

	for id := range liveByID {
		if isRevpRoute(id) && !ownedIDs[id] {
			if err := r.proxy.DeleteRoute(ctx, id); err == nil {
				metrics.OrphanRoutesCollected.Inc()
				r.publish(events.EventRouteOrphanCollected, "", id)
			}
		}
	}
}

func isRevpRoute(id string) bool {
	return len(id) >= len("revp_route_") && id[:len("revp_route_")] == "revp_route_"
}
