package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/aduggleby/octoporty-sub001/internal/config"
	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

// routeIDPrefix marks routes owned by this gateway in the edge proxy config.
// Routes without the prefix are never touched.
const routeIDPrefix = "octoporty-"

// edgeRoute mirrors the subset of the Caddy route object the reconciler
// manages. Matchers and handlers are kept as raw JSON maps so unrelated
// fields survive a read-modify-write cycle.
type edgeRoute struct {
	ID     string           `json:"@id,omitempty"`
	Match  []map[string]any `json:"match,omitempty"`
	Handle []map[string]any `json:"handle,omitempty"`
}

// EdgeReconciler converges the edge proxy's route table onto the desired
// mapping set through the proxy's admin API. It is level-triggered: every
// call recomputes the full diff from live state, so a restarted proxy is
// repaired on the next trigger.
type EdgeReconciler struct {
	adminURL     string
	serverName   string
	upstreamAddr string
	client       *http.Client

	mu         sync.Mutex
	routeCount int
	lastError  string
}

// NewEdgeReconciler creates a reconciler against the configured admin API.
func NewEdgeReconciler(cfg *config.Config) *EdgeReconciler {
	return &EdgeReconciler{
		adminURL:     strings.TrimRight(cfg.EdgeAdminURL, "/"),
		serverName:   cfg.EdgeServerName,
		upstreamAddr: cfg.UpstreamAddr,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Reconcile diffs the live route table against the desired mappings and
// issues the minimal set of admin API calls. Per-route failures are collected
// rather than aborting the pass, so one bad route cannot wedge the rest.
func (r *EdgeReconciler) Reconcile(ctx context.Context, mappings []tunnel.PortMapping) error {
	live, err := r.fetchOwnedRoutes(ctx)
	if err != nil {
		r.recordResult(0, err)
		return fmt.Errorf("fetching edge routes: %w", err)
	}

	desired := make(map[string]edgeRoute, len(mappings))
	for _, m := range mappings {
		if !m.Enabled {
			continue
		}
		desired[routeIDPrefix+m.ID] = r.buildRoute(m)
	}

	var errs []error

	for id := range live {
		if _, keep := desired[id]; keep {
			continue
		}
		if err := r.deleteRoute(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
		}
	}

	for id, want := range desired {
		have, exists := live[id]
		switch {
		case !exists:
			if err := r.createRoute(ctx, want); err != nil {
				errs = append(errs, fmt.Errorf("create %s: %w", id, err))
			}
		case !routesEqual(have, want):
			if err := r.updateRoute(ctx, id, want); err != nil {
				errs = append(errs, fmt.Errorf("update %s: %w", id, err))
			}
		}
	}

	if len(errs) > 0 {
		combined := fmt.Errorf("edge reconcile finished with %d failure(s): %v", len(errs), errs[0])
		r.recordResult(len(desired)-len(errs), combined)
		return combined
	}

	r.recordResult(len(desired), nil)
	slog.InfoContext(ctx, "Edge routes reconciled", "routes", len(desired))
	return nil
}

// Run re-reconciles on a fixed interval so an edge proxy restart (which wipes
// its in-memory config) is repaired without waiting for the next config sync.
func (r *EdgeReconciler) Run(ctx context.Context, interval time.Duration, current func() []tunnel.PortMapping) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx, current()); err != nil {
				slog.WarnContext(ctx, "Periodic edge reconcile failed", "error", err)
			}
		}
	}
}

// RouteCount returns the number of routes applied by the last pass.
func (r *EdgeReconciler) RouteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routeCount
}

// LastError returns the failure message of the last pass, or empty.
func (r *EdgeReconciler) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

func (r *EdgeReconciler) recordResult(count int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routeCount = count
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
}

// buildRoute produces the managed route for one mapping: match on the public
// host, reverse_proxy back into the gateway's request router.
func (r *EdgeReconciler) buildRoute(m tunnel.PortMapping) edgeRoute {
	return edgeRoute{
		ID: routeIDPrefix + m.ID,
		Match: []map[string]any{
			{"host": []any{m.ExternalDomain}},
		},
		Handle: []map[string]any{
			{
				"handler":   "reverse_proxy",
				"upstreams": []any{map[string]any{"dial": r.upstreamAddr}},
			},
		},
	}
}

func (r *EdgeReconciler) routesPath() string {
	return fmt.Sprintf("%s/config/apps/http/servers/%s/routes", r.adminURL, r.serverName)
}

// fetchOwnedRoutes reads the server's route list and returns the routes this
// gateway owns, keyed by id.
func (r *EdgeReconciler) fetchOwnedRoutes(ctx context.Context) (map[string]edgeRoute, error) {
	body, err := r.do(ctx, http.MethodGet, r.routesPath(), nil)
	if err != nil {
		return nil, err
	}

	var routes []edgeRoute
	// An unconfigured server answers "null".
	if len(body) > 0 && !bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		if err := json.Unmarshal(body, &routes); err != nil {
			return nil, fmt.Errorf("decoding route list: %w", err)
		}
	}

	owned := make(map[string]edgeRoute)
	for _, rt := range routes {
		if strings.HasPrefix(rt.ID, routeIDPrefix) {
			owned[rt.ID] = rt
		}
	}
	return owned, nil
}

func (r *EdgeReconciler) createRoute(ctx context.Context, route edgeRoute) error {
	payload, err := json.Marshal(route)
	if err != nil {
		return err
	}
	_, err = r.do(ctx, http.MethodPost, r.routesPath(), payload)
	return err
}

func (r *EdgeReconciler) updateRoute(ctx context.Context, id string, route edgeRoute) error {
	payload, err := json.Marshal(route)
	if err != nil {
		return err
	}
	_, err = r.do(ctx, http.MethodPatch, r.adminURL+"/id/"+id, payload)
	return err
}

func (r *EdgeReconciler) deleteRoute(ctx context.Context, id string) error {
	_, err := r.do(ctx, http.MethodDelete, r.adminURL+"/id/"+id)
	return err
}

// do issues one admin API call with a short retry loop. The admin endpoint is
// local, so transient failures resolve quickly or not at all.
func (r *EdgeReconciler) do(ctx context.Context, method, url string, payload ...[]byte) ([]byte, error) {
	var body []byte
	if len(payload) > 0 {
		body = payload[0]
	}

	operation := func() ([]byte, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		out, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			apiErr := fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(out)))
			if resp.StatusCode >= 500 {
				return nil, apiErr
			}
			return nil, backoff.Permanent(apiErr)
		}
		return out, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

// routesEqual compares the managed fields of two routes via their canonical
// JSON forms.
func routesEqual(a, b edgeRoute) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(aj, bj)
}
