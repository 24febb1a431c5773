// Package serviceregistry merges container events from every Host
// Observer and static-record changes from the Static Route Store into
// one domain-unique Desired set, recompiling via internal/compiler on
// every change and handing the resulting Added/Updated/Removed diff to
// the Route Reconciler.
package serviceregistry

import (
	"sort"
	"sync"

	"github.com/snadboy/revpctl/internal/compiler"
	"github.com/snadboy/revpctl/internal/hostobserver"
	"github.com/snadboy/revpctl/internal/model"
	"github.com/snadboy/revpctl/internal/staticstore"
)

// Diff describes what changed in the Desired set between two
// recomputations.
type Diff struct {
	Added   []model.Service
	Updated []model.Service
	Removed []model.Service // last-known value, for orphan bookkeeping
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// candidate is one compiled service together with the tie-break
// precedence of its source, kept so a later recomputation can
// re-derive the same winner deterministically.
type candidate struct {
	service  model.Service
	hostRank string // lowest wins; "" for static records, which always outrank containers
}

// Registry holds per-host container snapshots and the static record
// set, and recomputes the domain-unique Desired set whenever either
// input changes.
type Registry struct {
	mu sync.RWMutex

	containersByHost map[string]map[string]model.Container // host alias -> container id -> Container
	hostAddress      map[string]string                      // host alias -> address, for Backend.HostAddress
	staticRecords    []model.StaticRecord

	desired   map[string]model.Service // domain -> current winning Service
	warnings  []compiler.Warning

	onDiff func(Diff)
}

// New creates an empty Registry. onDiff, if non-nil, is invoked
// synchronously with every non-empty Diff produced by Apply*.
func New(onDiff func(Diff)) *Registry {
	return &Registry{
		containersByHost: make(map[string]map[string]model.Container),
		hostAddress:      make(map[string]string),
		desired:          make(map[string]model.Service),
		onDiff:           onDiff,
	}
}

// ApplyContainerEvent folds one Host Observer event into the
// container set and recomputes the Desired set.
func (r *Registry) ApplyContainerEvent(evt hostobserver.ContainerEvent, hostAddress string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hostAddress[evt.HostAlias] = hostAddress
	host, ok := r.containersByHost[evt.HostAlias]
	if !ok {
		host = make(map[string]model.Container)
		r.containersByHost[evt.HostAlias] = host
	}

	switch evt.Kind {
	case hostobserver.KindSync:
		host = make(map[string]model.Container, len(evt.Containers))
		for _, c := range evt.Containers {
			host[c.ID] = c
		}
		r.containersByHost[evt.HostAlias] = host
	case hostobserver.KindChanged:
		host[evt.Container.ID] = evt.Container
	case hostobserver.KindRemoved:
		delete(host, evt.RemovedID)
	}

	r.recompute()
}

// ApplyStaticRecords replaces the static record set wholesale (the
// Store hands over its full List() on every Changed event) and
// recomputes the Desired set.
func (r *Registry) ApplyStaticRecords(records []model.StaticRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staticRecords = records
	r.recompute()
}

// SyncStaticRecords wires a staticstore.Store's onChange hook to this
// Registry: call with store.List() each time the store reports a change.
func (r *Registry) SyncStaticRecords(store *staticstore.Store) {
	r.ApplyStaticRecords(store.List())
}

// Desired returns a snapshot of the current winning Service per domain,
// sorted by domain.
func (r *Registry) Desired() []model.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Service, 0, len(r.desired))
	for _, s := range r.desired {
		out = append(out, s)
	}
	return model.SortServicesByDomain(out)
}

// Warnings returns the compiler warnings produced by the most recent
// recomputation.
func (r *Registry) Warnings() []compiler.Warning {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]compiler.Warning, len(r.warnings))
	copy(out, r.warnings)
	return out
}

// recompute rebuilds the full candidate set from scratch and applies
// the domain-uniqueness tie-break: static wins over container, then
// lexicographically-lowest host alias, then lowest container id
// (SPEC_FULL.md §4.5). Callers must hold r.mu.
func (r *Registry) recompute() {
	byDomain := make(map[string][]candidate)
	var warnings []compiler.Warning

	for alias, containers := range r.containersByHost {
		addr := r.hostAddress[alias]
		ids := make([]string, 0, len(containers))
		for id := range containers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			c := containers[id]
			svcs, warns := compiler.CompileContainer(c, addr)
			warnings = append(warnings, warns...)
			for _, svc := range svcs {
				svc.HostAlias = alias
				byDomain[svc.Domain] = append(byDomain[svc.Domain], candidate{service: svc, hostRank: alias})
			}
		}
	}

	staticSvcs, warns := compiler.CompileStaticRecords(r.staticRecords)
	warnings = append(warnings, warns...)
	for _, svc := range staticSvcs {
		byDomain[svc.Domain] = append(byDomain[svc.Domain], candidate{service: svc})
	}

	next := make(map[string]model.Service, len(byDomain))
	for domain, cands := range byDomain {
		next[domain] = pickWinner(cands)
	}

	prev := r.desired
	r.desired = next
	r.warnings = warnings

	diff := diffServices(prev, next)
	if !diff.Empty() && r.onDiff != nil {
		r.onDiff(diff)
	}
}

// pickWinner applies the tie-break: a static-origin candidate always
// wins; among container-origin candidates, the lowest host alias wins,
// then the lowest source id (container id).
func pickWinner(cands []candidate) model.Service {
	best := cands[0]
	for _, c := range cands[1:] {
		if outranks(c, best) {
			best = c
		}
	}
	return best.service
}

func outranks(a, b candidate) bool {
	aStatic := a.service.Origin == model.OriginStatic
	bStatic := b.service.Origin == model.OriginStatic
	if aStatic != bStatic {
		return aStatic
	}
	if aStatic && bStatic {
		return a.service.SourceID < b.service.SourceID
	}
	if a.hostRank != b.hostRank {
		return a.hostRank < b.hostRank
	}
	return a.service.SourceID < b.service.SourceID
}

func diffServices(prev, next map[string]model.Service) Diff {
	var d Diff
	for domain, svc := range next {
		old, existed := prev[domain]
		if !existed {
			d.Added = append(d.Added, svc)
			continue
		}
		if old.Revision != svc.Revision {
			d.Updated = append(d.Updated, svc)
		}
	}
	for domain, svc := range prev {
		if _, ok := next[domain]; !ok {
			d.Removed = append(d.Removed, svc)
		}
	}
	d.Added = model.SortServicesByDomain(d.Added)
	d.Updated = model.SortServicesByDomain(d.Updated)
	d.Removed = model.SortServicesByDomain(d.Removed)
	return d
}
