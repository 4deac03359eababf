package ratelimit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Route names used as bucket keys.
const (
	RouteUploads    = "uploads.create"
	RouteRunEnqueue = "runs.enqueue"
	RouteRunStatus  = "runs.status"
	RouteRunWS      = "runs.ws"
	RouteJobEnqueue = "jobs.enqueue"
	RouteJobLease   = "jobs.lease"
	RouteJobAck     = "jobs.ack"
	RouteJobStats   = "jobs.stats"
)

// DefaultRoutes returns the built-in per-route limits.
func DefaultRoutes() map[string]Limit {
	return map[string]Limit{
		RouteUploads:    {MaxTokens: 20, RefillRate: 2},
		RouteRunEnqueue: {MaxTokens: 20, RefillRate: 2},
		RouteRunStatus:  {MaxTokens: 60, RefillRate: 10},
		RouteRunWS:      {MaxTokens: 30, RefillRate: 3},
		RouteJobEnqueue: {MaxTokens: 50, RefillRate: 5},
		RouteJobLease:   {MaxTokens: 30, RefillRate: 3},
		RouteJobAck:     {MaxTokens: 50, RefillRate: 5},
		RouteJobStats:   {MaxTokens: 20, RefillRate: 2},
	}
}

type routesFile struct {
	Routes map[string]Limit `yaml:"routes"`
}

// LoadRoutes returns DefaultRoutes overlaid with the routes in path.
// An empty path yields the defaults.
//
//	routes:
//	  jobs.lease: {maxTokens: 60, refillRate: 6}
func LoadRoutes(path string) (map[string]Limit, error) {
	routes := DefaultRoutes()
	if path == "" {
		return routes, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit routes: %w", err)
	}
	var file routesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse rate limit routes: %w", err)
	}
	for name, limit := range file.Routes {
		if limit.MaxTokens <= 0 || limit.RefillRate <= 0 {
			return nil, fmt.Errorf("route %s: maxTokens and refillRate must be positive", name)
		}
		routes[name] = limit
	}
	return routes, nil
}
