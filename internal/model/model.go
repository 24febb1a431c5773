// Package model holds the domain types shared across the control plane.
// Layering is strict: Host and Container know nothing of Service; Service
// knows nothing of Route. Packages never import "upward" across this
// chain, so the compiler, registry, and reconciler can be tested and
// reasoned about independently.
package model

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// HostState is the lifecycle state of a Host Observer's connection to a
// remote host.
type HostState string

const (
	HostInit       HostState = "init"
	HostSnapshot   HostState = "snapshot"
	HostStreaming  HostState = "streaming"
	HostBackoff    HostState = "backoff"
)

// Host is one SSH-reachable remote Docker host declared in configuration.
type Host struct {
	Alias     string
	Address   string
	User      string
	KeyPath   string
	Port      int
	State     HostState
	LastSeen  time.Time
	LastError string
}

// Container is the subset of a remote container's state relevant to
// routing: its identity, labels, and published ports.
type Container struct {
	ID      string
	Name    string
	Labels  map[string]string
	Ports   []Port
	Running bool
}

// Port is one container-published network port.
type Port struct {
	ContainerPort int
	HostPort      int
	Protocol      string // "tcp" or "udp"
}

// Origin identifies where a Service's definition came from.
type Origin string

const (
	OriginContainer Origin = "container"
	OriginStatic    Origin = "static"
)

// Backend is the upstream a Service's domain routes traffic to.
type Backend struct {
	HostAddress string // resolved remote host address or static target address
	Port        int
	Proto       string // "http" or "https", defaults to "http"
	Path        string // optional backend path prefix
}

// ServiceOptions holds the optional per-service routing properties parsed
// from the label grammar or a static record.
type ServiceOptions struct {
	ForceSSL              bool
	SupportWebsocket      bool
	TLSInsecureSkipVerify bool
	CloudflareTunnel      bool
	TunnelDomain          string
}

// Service is a fully compiled, validated routing intent: one domain
// mapped to one backend, with its options. Services are produced by the
// Label Compiler (from container labels) or loaded directly from the
// Static Route Store, then merged by the Service Registry.
type Service struct {
	Domain      string
	Backend     Backend
	Options     ServiceOptions
	Origin      Origin
	SourceID    string // container id or static record id
	HostAlias   string // empty for static records targeting an external address
	Revision    string // content hash of Domain, Backend and Options (see ComputeRevision)
	Degraded    bool
	DegradedMsg string
}

// ComputeRevision derives a stable content hash over the fields that
// matter for reconciliation, so the reconciler can cheaply detect "no
// change" without a deep comparison. Field order is fixed so the hash is
// deterministic regardless of how the struct was constructed.
func ComputeRevision(domain string, b Backend, o ServiceOptions) string {
	h := sha256.New()
	write := func(s string) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeBool := func(b bool) {
		if b {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	write(domain)
	write(b.HostAddress)
	write(fmt.Sprintf("%d", b.Port))
	write(b.Proto)
	write(b.Path)
	writeBool(o.ForceSSL)
	writeBool(o.SupportWebsocket)
	writeBool(o.TLSInsecureSkipVerify)
	writeBool(o.CloudflareTunnel)
	write(o.TunnelDomain)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// StaticRecord is one externally-declared route loaded from the Static
// Route Store's YAML file (see SPEC_FULL.md §6.2).
type StaticRecord struct {
	ID          string `yaml:"id"`
	Domain      string `yaml:"domain"`
	BackendURL  string `yaml:"backend_url"`
	BackendPath string `yaml:"backend_path"`
	// ForceSSL is a pointer because its default (true) differs from the
	// Go zero value; nil means "not set in the document, apply default".
	ForceSSL              *bool  `yaml:"force_ssl"`
	SupportWebsocket      bool   `yaml:"support_websocket"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
	CloudflareTunnel      bool   `yaml:"cloudflare_tunnel"`
	TunnelDomain          string `yaml:"tunnel_domain"`
}

// Route is the reconciler's view of the proxy's live configuration for
// one domain: the Route id namespace convention
// ("revp_route_<listener>_<hash>", see RouteID)
// is what lets the sweep distinguish routes it owns from routes it must
// never touch.
type Route struct {
	ID      string
	Domain  string
	Backend Backend
	Options ServiceOptions
}

// Listener names a proxy listener a route can be attached to.
type Listener string

const (
	ListenerHTTP  Listener = "http"
	ListenerHTTPS Listener = "https"
)

// RouteID computes the deterministic, namespaced proxy route id for a
// domain/listener pair (spec §4.6): the prefix makes ownership
// recognizable during orphan collection, the hash makes the id stable
// across process restarts without leaking the raw domain name into ids
// that may be logged or displayed.
func RouteID(domain string, listener Listener) string {
	h := sha256.Sum256([]byte(string(listener) + "|" + domain))
	return fmt.Sprintf("revp_route_%s_%x", listener, h[:8])
}

// SortServicesByDomain returns services sorted by Domain, for
// deterministic diffing and test output.
func SortServicesByDomain(svcs []Service) []Service {
	out := make([]Service, len(svcs))
	copy(out, svcs)
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
