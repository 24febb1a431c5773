package proxyclient

import (
	"fmt"

	"github.com/snadboy/revpctl/internal/model"
)

// BuildRoutes materializes the proxy route documents for one Service,
// per the listener-assignment rules in SPEC_FULL.md §6.4:
//   - the https listener always gets the full reverse-proxy route.
//   - the http listener gets a redirect-to-https route when
//     force-ssl is set and the service is not a cloudflare tunnel;
//     otherwise it gets the same reverse-proxy route as https.
func BuildRoutes(svc model.Service) map[model.Listener]RoutePayload {
	routes := make(map[model.Listener]RoutePayload, 2)

	httpsID := model.RouteID(svc.Domain, model.ListenerHTTPS)
	routes[model.ListenerHTTPS] = reverseProxyRoute(httpsID, svc)

	httpID := model.RouteID(svc.Domain, model.ListenerHTTP)
	if svc.Options.ForceSSL && !svc.Options.CloudflareTunnel {
		routes[model.ListenerHTTP] = redirectRoute(httpID, svc.Domain)
	} else {
		routes[model.ListenerHTTP] = reverseProxyRoute(httpID, svc)
	}
	return routes
}

func reverseProxyRoute(routeID string, svc model.Service) RoutePayload {
	var subroutes []SubrouteItem

	if svc.Options.SupportWebsocket {
		subroutes = append(subroutes, SubrouteItem{Handler: "websocket_passthrough"})
	}

	headers := map[string]string{
		"Host":              "{http.request.host}",
		"X-Forwarded-For":   "{http.request.remote.host}",
		"X-Forwarded-Proto": "{http.request.scheme}",
	}
	if svc.Options.CloudflareTunnel {
		headers["X-Forwarded-Proto"] = "https"
		headers["X-Real-IP"] = "{http.request.header.CF-Connecting-IP}"
	}

	var transport *Transport
	dial := fmt.Sprintf("%s:%d", svc.Backend.HostAddress, svc.Backend.Port)
	if svc.Backend.Proto == "https" {
		transport = &Transport{
			Protocol:              "https",
			TLS:                   &struct{}{},
			TLSInsecureSkipVerify: svc.Options.TLSInsecureSkipVerify,
		}
	} else {
		transport = &Transport{Protocol: "http"}
	}

	subroutes = append(subroutes, SubrouteItem{
		Handler:   "reverse_proxy",
		Upstreams: []Upstream{{Dial: dial}},
		Transport: transport,
		Headers:   headers,
	})

	return RoutePayload{
		ID:    routeID,
		Match: []MatchHost{{Host: []string{svc.Domain}}},
		Handle: []HandleBlock{{
			Handler: "subroute",
			Routes:  subroutes,
		}},
	}
}

func redirectRoute(routeID, domain string) RoutePayload {
	return RoutePayload{
		ID:    routeID,
		Match: []MatchHost{{Host: []string{domain}}},
		Handle: []HandleBlock{{
			Handler:    "static_response",
			StatusCode: 308,
			Headers:    map[string][]string{"Location": {"https://{http.request.host}{http.request.uri}"}},
		}},
	}
}
