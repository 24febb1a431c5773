// Package compiler translates container labels and static route records
// into validated model.Service descriptors. Every exported function here
// is pure: no I/O, no shared state, safe to call concurrently.
package compiler

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/snadboy/revpctl/internal/model"
)

// labelKeyPattern matches a legal snadboy.revp.<port>.<property> label
// key (see SPEC_FULL.md §6.3). Any label not matching this pattern is
// ignored outright, not warned about.
var labelKeyPattern = regexp.MustCompile(`^snadboy\.revp\.(\d{1,5})\.(domain|backend-proto|backend-path|force-ssl|support-websocket|cloudflare-tunnel|tunnel-domain)$`)

// fqdnPattern is a pragmatic FQDN check: labels, dot-separated, ASCII.
var fqdnPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)

// Warning describes why a candidate service or static record was dropped
// or why a label partition produced no service.
type Warning struct {
	Source  string // container id, or static record id/domain
	Message string
}

func (w Warning) String() string { return fmt.Sprintf("%s: %s", w.Source, w.Message) }

type portGroup struct {
	port       int
	properties map[string]string
}

// CompileContainer groups a container's labels by port and compiles each
// complete group into a Service. Groups missing a domain, or whose port
// is not published on the container, are dropped with a warning.
func CompileContainer(c model.Container, hostAddress string) ([]model.Service, []Warning) {
	groups := groupLabelsByPort(c.Labels)
	if len(groups) == 0 {
		return nil, nil
	}

	var services []model.Service
	var warnings []Warning

	ports := make([]int, 0, len(groups))
	for p := range groups {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	for _, port := range ports {
		g := groups[port]
		domain, ok := g.properties["domain"]
		if !ok || domain == "" {
			warnings = append(warnings, Warning{Source: c.ID, Message: fmt.Sprintf("port %d: missing domain, group ignored", port)})
			continue
		}
		if !fqdnPattern.MatchString(domain) {
			warnings = append(warnings, Warning{Source: c.ID, Message: fmt.Sprintf("port %d: malformed domain %q", port, domain)})
			continue
		}

		hostPort, published := publishedHostPort(c.Ports, port)
		if !published {
			warnings = append(warnings, Warning{Source: c.ID, Message: fmt.Sprintf("port %d: not published on container, service dropped", port)})
			continue
		}

		opts, backendProto, backendPath, warn := parseContainerProperties(g.properties)
		if warn != "" {
			warnings = append(warnings, Warning{Source: c.ID, Message: fmt.Sprintf("port %d: %s", port, warn)})
			continue
		}

		backend := model.Backend{
			HostAddress: hostAddress,
			Port:        hostPort,
			Proto:       backendProto,
			Path:        backendPath,
		}
		svc := model.Service{
			Domain:    domain,
			Backend:   backend,
			Options:   opts,
			Origin:    model.OriginContainer,
			SourceID:  c.ID,
			HostAlias: "",
		}
		svc.Revision = model.ComputeRevision(svc.Domain, svc.Backend, svc.Options)
		services = append(services, svc)

		if tunnel := opts.TunnelDomain; tunnel != "" {
			tunnelOpts := opts
			tunnelOpts.CloudflareTunnel = true
			tunnelOpts.ForceSSL = false
			tunnelOpts.TunnelDomain = ""
			tsvc := model.Service{
				Domain:    tunnel,
				Backend:   backend,
				Options:   tunnelOpts,
				Origin:    model.OriginContainer,
				SourceID:  c.ID,
				HostAlias: "",
			}
			tsvc.Revision = model.ComputeRevision(tsvc.Domain, tsvc.Backend, tsvc.Options)
			services = append(services, tsvc)
		}
	}

	return services, warnings
}

func groupLabelsByPort(labels map[string]string) map[int]*portGroup {
	groups := make(map[int]*portGroup)
	for k, v := range labels {
		m := labelKeyPattern.FindStringSubmatch(k)
		if m == nil {
			continue // not in our namespace, or doesn't match the grammar -- ignored
		}
		port, err := strconv.Atoi(m[1])
		if err != nil || port < 1 || port > 65535 {
			continue
		}
		g, ok := groups[port]
		if !ok {
			g = &portGroup{port: port, properties: make(map[string]string)}
			groups[port] = g
		}
		g.properties[m[2]] = v
	}
	return groups
}

func publishedHostPort(ports []model.Port, containerPort int) (int, bool) {
	for _, p := range ports {
		if p.ContainerPort == containerPort && p.HostPort != 0 {
			return p.HostPort, true
		}
	}
	return 0, false
}

// parseContainerProperties applies the defaults from SPEC_FULL.md §4.3's
// property table. A non-empty warn string means the group is invalid and
// must be dropped.
func parseContainerProperties(props map[string]string) (model.ServiceOptions, string, string, string) {
	proto := "http"
	if v, ok := props["backend-proto"]; ok {
		switch strings.ToLower(v) {
		case "http":
			proto = "http"
		case "https":
			proto = "https"
		default:
			return model.ServiceOptions{}, "", "", fmt.Sprintf("invalid backend-proto %q", v)
		}
	}

	path := "/"
	if v, ok := props["backend-path"]; ok {
		if !strings.HasPrefix(v, "/") {
			return model.ServiceOptions{}, "", "", fmt.Sprintf("backend-path %q must be absolute", v)
		}
		path = v
	}

	opts := model.ServiceOptions{ForceSSL: true}
	if v, ok := props["force-ssl"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return model.ServiceOptions{}, "", "", fmt.Sprintf("invalid force-ssl %q", v)
		}
		opts.ForceSSL = b
	}
	if v, ok := props["support-websocket"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return model.ServiceOptions{}, "", "", fmt.Sprintf("invalid support-websocket %q", v)
		}
		opts.SupportWebsocket = b
	}
	if v, ok := props["cloudflare-tunnel"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return model.ServiceOptions{}, "", "", fmt.Sprintf("invalid cloudflare-tunnel %q", v)
		}
		opts.CloudflareTunnel = b
	}
	if v, ok := props["tunnel-domain"]; ok && v != "" {
		if !fqdnPattern.MatchString(v) {
			return model.ServiceOptions{}, "", "", fmt.Sprintf("malformed tunnel-domain %q", v)
		}
		opts.TunnelDomain = v
	}

	return opts, proto, path, ""
}

// CompileStaticRecord validates and compiles one static route record. A
// nil Service with a non-empty Warning means the record was rejected.
func CompileStaticRecord(r model.StaticRecord) (*model.Service, *Warning) {
	src := r.ID
	if src == "" {
		src = r.Domain
	}

	if r.Domain == "" || !fqdnPattern.MatchString(r.Domain) {
		return nil, &Warning{Source: src, Message: fmt.Sprintf("malformed domain %q", r.Domain)}
	}

	u, err := url.Parse(r.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &Warning{Source: src, Message: fmt.Sprintf("unparseable backend_url %q", r.BackendURL)}
	}

	proto := strings.ToLower(u.Scheme)
	var defaultPort int
	switch proto {
	case "http":
		defaultPort = 80
	case "https":
		defaultPort = 443
	default:
		return nil, &Warning{Source: src, Message: fmt.Sprintf("invalid protocol %q", u.Scheme)}
	}

	hostAddr := u.Hostname()
	port := defaultPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, &Warning{Source: src, Message: fmt.Sprintf("invalid port in backend_url %q", r.BackendURL)}
		}
		port = n
	}

	path := "/"
	if r.BackendPath != "" {
		if !strings.HasPrefix(r.BackendPath, "/") {
			return nil, &Warning{Source: src, Message: fmt.Sprintf("backend_path %q must be absolute", r.BackendPath)}
		}
		path = r.BackendPath
	}

	if r.TunnelDomain != "" && !fqdnPattern.MatchString(r.TunnelDomain) {
		return nil, &Warning{Source: src, Message: fmt.Sprintf("malformed tunnel_domain %q", r.TunnelDomain)}
	}

	forceSSL := true
	if r.ForceSSL != nil {
		forceSSL = *r.ForceSSL
	}

	backend := model.Backend{HostAddress: hostAddr, Port: port, Proto: proto, Path: path}
	opts := model.ServiceOptions{
		ForceSSL:              forceSSL,
		SupportWebsocket:      r.SupportWebsocket,
		TLSInsecureSkipVerify: r.TLSInsecureSkipVerify,
		CloudflareTunnel:      r.CloudflareTunnel,
		TunnelDomain:          r.TunnelDomain,
	}

	svc := &model.Service{
		Domain:   r.Domain,
		Backend:  backend,
		Options:  opts,
		Origin:   model.OriginStatic,
		SourceID: r.ID,
	}
	svc.Revision = model.ComputeRevision(svc.Domain, svc.Backend, svc.Options)
	return svc, nil
}

// CompileStaticRecords compiles a full static route list, additionally
// materializing the auxiliary tunnel-domain service for any record that
// declares one, per the same rule CompileContainer applies to labels.
func CompileStaticRecords(records []model.StaticRecord) ([]model.Service, []Warning) {
	var services []model.Service
	var warnings []Warning
	for _, r := range records {
		svc, warn := CompileStaticRecord(r)
		if warn != nil {
			warnings = append(warnings, *warn)
			continue
		}
		services = append(services, *svc)
		if svc.Options.TunnelDomain != "" {
			tunnelOpts := svc.Options
			tunnelOpts.CloudflareTunnel = true
			tunnelOpts.ForceSSL = false
			tunnelOpts.TunnelDomain = ""
			tsvc := model.Service{
				Domain:   svc.Options.TunnelDomain,
				Backend:  svc.Backend,
				Options:  tunnelOpts,
				Origin:   model.OriginStatic,
				SourceID: r.ID,
			}
			tsvc.Revision = model.ComputeRevision(tsvc.Domain, tsvc.Backend, tsvc.Options)
			services = append(services, tsvc)
		}
	}
	return services, warnings
}
