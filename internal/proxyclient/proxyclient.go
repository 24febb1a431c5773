// Package proxyclient is the thin HTTP client for the reverse proxy's
// admin API (SPEC_FULL.md §6.4): list/get the live configuration, and
// put/delete individual routes by deterministic id. Every call is
// deadline-bounded and classifies failures so the Route Reconciler can
// decide whether to retry, repair, or give up.
package proxyclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrorClass tells the Route Reconciler how to react to a failed call.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota // 5xx or network error: retry with backoff
	ClassPermanent                   // 4xx other than 409: mark Degraded, do not retry
	ClassConflict                    // 409: another route owns the id, attempt repair
)

// ClassifiedError wraps a proxy call failure with its retry classification.
type ClassifiedError struct {
	Class      ErrorClass
	StatusCode int
	Err        error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

func classify(statusCode int, err error) *ClassifiedError {
	if err != nil {
		return &ClassifiedError{Class: ClassTransient, Err: err}
	}
	switch {
	case statusCode == http.StatusConflict:
		return &ClassifiedError{Class: ClassConflict, StatusCode: statusCode, Err: fmt.Errorf("proxyclient: conflict (409)")}
	case statusCode >= 500:
		return &ClassifiedError{Class: ClassTransient, StatusCode: statusCode, Err: fmt.Errorf("proxyclient: server error (%d)", statusCode)}
	case statusCode >= 400:
		return &ClassifiedError{Class: ClassPermanent, StatusCode: statusCode, Err: fmt.Errorf("proxyclient: bad request (%d)", statusCode)}
	}
	return nil
}

// RoutePayload mirrors the proxy's per-listener route document, §6.4.
type RoutePayload struct {
	ID     string        `json:"@id"`
	Match  []MatchHost   `json:"match"`
	Handle []HandleBlock `json:"handle"`
}

type MatchHost struct {
	Host []string `json:"host"`
}

type HandleBlock struct {
	Handler    string         `json:"handler"`
	Routes     []SubrouteItem `json:"routes,omitempty"`
	StatusCode int            `json:"status_code,omitempty"` // for static_response redirect blocks
	Headers    map[string][]string `json:"headers,omitempty"`
}

// SubrouteItem is one entry in a "subroute" handler's route list: either
// a passthrough/header-rewrite step or the terminal reverse_proxy step.
type SubrouteItem struct {
	Handler   string            `json:"handler"`
	Upstreams []Upstream        `json:"upstreams,omitempty"`
	Transport *Transport        `json:"transport,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type Upstream struct {
	Dial string `json:"dial"`
}

type Transport struct {
	Protocol              string `json:"protocol"`
	TLS                    *struct{} `json:"tls,omitempty"`
	TLSInsecureSkipVerify bool   `json:"tls_insecure_skip_verify,omitempty"`
}

// RouteSummary is one entry of list_routes: the live id and a hash of
// its payload, cheap enough to compare against Desired without
// transferring every full document.
type RouteSummary struct {
	ID          string
	PayloadHash string
}

// Client is the Proxy Client (C7).
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// New creates a Client against the proxy admin base URL. timeout bounds
// every individual call; it defaults to 5s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		http: &http.Client{
			Timeout: timeout + time.Second, // leave headroom for the context deadline to fire first
		},
	}
}

// GetConfig fetches the proxy's full live configuration document.
func (c *Client) GetConfig(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config/", nil)
	if err != nil {
		return nil, fmt.Errorf("proxyclient: build get_config request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(0, err)
	}
	if cerr := classify(resp.StatusCode, nil); cerr != nil {
		return nil, cerr
	}
	return json.RawMessage(body), nil
}

// ListRoutes derives the live route-id/payload-hash pairs from the
// proxy's full configuration document by walking every route that
// carries an @id. Routes outside the revp_route_ namespace are included;
// the reconciler's sweep filters them out by prefix.
func (c *Client) ListRoutes(ctx context.Context) ([]RouteSummary, error) {
	raw, err := c.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	var doc configDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("proxyclient: parse config document: %w", err)
	}
	return doc.routeSummaries(), nil
}

// PutRoute creates or replaces the route at route-id. Per spec, 200 and
// 204 both mean success.
func (c *Client) PutRoute(ctx context.Context, routeID string, payload RoutePayload) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("proxyclient: marshal route payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/id/"+routeID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("proxyclient: build put_route request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(0, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return classify(resp.StatusCode, nil)
}

// DeleteRoute removes the route at route-id. A 404 is treated as
// success: the desired end state (no route at that id) already holds.
func (c *Client) DeleteRoute(ctx context.Context, routeID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/id/"+routeID, nil)
	if err != nil {
		return fmt.Errorf("proxyclient: build delete_route request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classify(0, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return classify(resp.StatusCode, nil)
}

// configDoc is the minimal shape of the proxy's full config document
// this client needs: enough to walk every route block and recover its
// id and a stable hash of its contents. The proxy's document has a much
// richer schema (listeners, TLS policy, etc) that this process never
// needs to understand.
type configDoc struct {
	Apps struct {
		HTTP struct {
			Servers map[string]struct {
				Routes []json.RawMessage `json:"routes"`
			} `json:"servers"`
		} `json:"http"`
	} `json:"apps"`
}

func (d *configDoc) routeSummaries() []RouteSummary {
	var out []RouteSummary
	for _, srv := range d.Apps.HTTP.Servers {
		for _, raw := range srv.Routes {
			var withID struct {
				ID string `json:"@id"`
			}
			if err := json.Unmarshal(raw, &withID); err != nil || withID.ID == "" {
				continue
			}
			out = append(out, RouteSummary{ID: withID.ID, PayloadHash: hashPayload(raw)})
		}
	}
	return out
}

func hashPayload(raw json.RawMessage) string {
	h := sha256.Sum256(raw)
	return fmt.Sprintf("%x", h)
}

// HashPayload fingerprints a payload this process built locally, so a
// caller can remember what it last applied and compare against that
// later without holding onto the full document. It deliberately uses
// the same marshal-then-hash recipe as the live document's hash even
// though the two are never compared to each other: the proxy may
// normalize what it stores, so a locally built payload's hash is only
// ever meaningful against another locally built payload's hash.
func HashPayload(payload RoutePayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("proxyclient: marshal route payload: %w", err)
	}
	return hashPayload(raw), nil
}
