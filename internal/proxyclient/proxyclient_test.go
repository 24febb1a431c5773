package proxyclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snadboy/revpctl/internal/model"
)

func TestGetConfigSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/config/" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"apps":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	raw, err := c.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if string(raw) != `{"apps":{}}` {
		t.Errorf("GetConfig() = %s", raw)
	}
}

func TestPutRouteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/id/revp_route_https_abc" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	err := c.PutRoute(context.Background(), "revp_route_https_abc", RoutePayload{ID: "revp_route_https_abc"})
	if err != nil {
		t.Fatalf("PutRoute() error = %v", err)
	}
}

func TestPutRouteClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	err := c.PutRoute(context.Background(), "x", RoutePayload{})
	var cerr *ClassifiedError
	if err == nil {
		t.Fatal("expected error")
	}
	if !asClassifiedError(err, &cerr) || cerr.Class != ClassTransient {
		t.Fatalf("expected ClassTransient, got %#v", err)
	}
}

func TestPutRouteClassifiesConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	err := c.PutRoute(context.Background(), "x", RoutePayload{})
	var cerr *ClassifiedError
	if !asClassifiedError(err, &cerr) || cerr.Class != ClassConflict {
		t.Fatalf("expected ClassConflict, got %#v", err)
	}
}

func TestPutRouteClassifiesPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	err := c.PutRoute(context.Background(), "x", RoutePayload{})
	var cerr *ClassifiedError
	if !asClassifiedError(err, &cerr) || cerr.Class != ClassPermanent {
		t.Fatalf("expected ClassPermanent, got %#v", err)
	}
}

func TestDeleteRouteTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if err := c.DeleteRoute(context.Background(), "gone"); err != nil {
		t.Fatalf("DeleteRoute() error = %v, want nil (404 treated as success)", err)
	}
}

func TestListRoutesWalksServers(t *testing.T) {
	doc := map[string]any{
		"apps": map[string]any{
			"http": map[string]any{
				"servers": map[string]any{
					"srv0": map[string]any{
						"routes": []map[string]any{
							{"@id": "revp_route_https_abc", "match": []any{}},
							{"@id": "unrelated"},
						},
					},
				},
			},
		},
	}
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	routes, err := c.ListRoutes(context.Background())
	if err != nil {
		t.Fatalf("ListRoutes() error = %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d: %+v", len(routes), routes)
	}
}

func TestBuildRoutesForceSSLProducesRedirect(t *testing.T) {
	svc := model.Service{
		Domain:  "app.example.com",
		Backend: model.Backend{HostAddress: "10.0.0.5", Port: 8080, Proto: "http", Path: "/"},
		Options: model.ServiceOptions{ForceSSL: true},
	}
	routes := BuildRoutes(svc)
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	httpRoute := routes[model.ListenerHTTP]
	if httpRoute.Handle[0].Handler != "static_response" {
		t.Errorf("expected redirect route on http listener, got %+v", httpRoute)
	}
	httpsRoute := routes[model.ListenerHTTPS]
	if httpsRoute.Handle[0].Handler != "subroute" {
		t.Errorf("expected reverse proxy route on https listener, got %+v", httpsRoute)
	}
}

func TestBuildRoutesCloudflareTunnelSkipsRedirect(t *testing.T) {
	svc := model.Service{
		Domain:  "tunnel.example.com",
		Backend: model.Backend{HostAddress: "10.0.0.5", Port: 8080, Proto: "http", Path: "/"},
		Options: model.ServiceOptions{ForceSSL: false, CloudflareTunnel: true},
	}
	routes := BuildRoutes(svc)
	httpRoute := routes[model.ListenerHTTP]
	if httpRoute.Handle[0].Handler != "subroute" {
		t.Errorf("expected reverse proxy route on http listener for tunnel service, got %+v", httpRoute)
	}
}

func TestBuildRoutesIDsAreDeterministic(t *testing.T) {
	svc := model.Service{Domain: "app.example.com", Backend: model.Backend{HostAddress: "10.0.0.5", Port: 80, Proto: "http"}}
	a := BuildRoutes(svc)
	b := BuildRoutes(svc)
	if a[model.ListenerHTTPS].ID != b[model.ListenerHTTPS].ID {
		t.Error("expected identical route ids across calls")
	}
}

// asClassifiedError is a small helper since errors.As needs an
// addressable target of the concrete pointer type.
func asClassifiedError(err error, target **ClassifiedError) bool {
	ce, ok := err.(*ClassifiedError)
	if !ok {
		return false
	}
	*target = ce
	return true
}
