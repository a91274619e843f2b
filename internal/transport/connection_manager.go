package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/xelth-com/girosync/internal/config"
)

// Offline is reported as the current route when no route answers
const Offline = "offline"

// ErrOffline is returned when no configured route is reachable
var ErrOffline = errors.New("no sync route available")

// RouteSwitch tracks when routes are switched
type RouteSwitch struct {
	FromRoute string    `json:"fromRoute"`
	ToRoute   string    `json:"toRoute"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// RouteStatus tracks the health of a route
type RouteStatus struct {
	URL          string        `json:"url"`
	Type         string        `json:"type"`
	IsAvailable  bool          `json:"isAvailable"`
	LastCheck    time.Time     `json:"lastCheck"`
	LastSuccess  *time.Time    `json:"lastSuccess,omitempty"`
	LastFailure  *time.Time    `json:"lastFailure,omitempty"`
	SuccessCount int           `json:"successCount"`
	FailureCount int           `json:"failureCount"`
	AvgLatency   time.Duration `json:"avgLatency"`
	latencySum   time.Duration
	latencyCount int
}

// ConnectionManager picks the server route for each request: the primary
// while it answers, otherwise the next route by priority
type ConnectionManager struct {
	mu sync.RWMutex

	routes []config.SyncRouteConfig

	// Current state
	currentRoute  string
	routeStatuses map[string]*RouteStatus
	routeHistory  []RouteSwitch

	// Health check
	healthCheckInterval time.Duration
	healthCheckRunning  bool
	stopHealthCheck     chan struct{}

	httpClient *http.Client
	logger     *log.Logger
}

// NewConnectionManager creates a connection manager for the given routes
func NewConnectionManager(routes []config.SyncRouteConfig, logger *log.Logger) *ConnectionManager {
	sorted := make([]config.SyncRouteConfig, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	cm := &ConnectionManager{
		routes:              sorted,
		routeStatuses:       make(map[string]*RouteStatus),
		healthCheckInterval: 30 * time.Second,
		httpClient:          &http.Client{},
		logger:              logger,
	}
	for _, route := range sorted {
		cm.routeStatuses[route.URL] = &RouteStatus{URL: route.URL, Type: route.Type}
	}
	return cm
}

// Start begins periodic health checks
func (cm *ConnectionManager) Start(interval time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.healthCheckRunning {
		return
	}
	if interval > 0 {
		cm.healthCheckInterval = interval
	}
	cm.healthCheckRunning = true
	cm.stopHealthCheck = make(chan struct{})
	go cm.healthCheckLoop(cm.stopHealthCheck, cm.healthCheckInterval)
}

// Stop stops health checking
func (cm *ConnectionManager) Stop() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.healthCheckRunning {
		return
	}
	cm.healthCheckRunning = false
	close(cm.stopHealthCheck)
}

// SelectRoute returns the route to use. The current route is kept while it
// is healthy; otherwise routes are probed in priority order.
func (cm *ConnectionManager) SelectRoute(ctx context.Context) (string, error) {
	if len(cm.routes) == 0 {
		return "", fmt.Errorf("%w: none configured", ErrOffline)
	}

	cm.mu.RLock()
	current := cm.currentRoute
	healthy := current != "" && current != Offline && cm.routeStatuses[current].IsAvailable
	cm.mu.RUnlock()
	if healthy {
		return current, nil
	}

	for _, route := range cm.routes {
		if cm.testConnection(ctx, route) {
			cm.switchTo(route.URL, "route_available")
			return route.URL, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	cm.switchTo(Offline, "all_routes_unavailable")
	return "", ErrOffline
}

// ReportFailure marks a route unavailable after a failed request, so the
// next request probes the routes again
func (cm *ConnectionManager) ReportFailure(url string, err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	status, ok := cm.routeStatuses[url]
	if !ok {
		return
	}
	now := time.Now()
	status.IsAvailable = false
	status.FailureCount++
	status.LastFailure = &now
	cm.logger.Printf("⚠️ Route %s failed: %v", url, err)
}

// CurrentRoute returns the currently selected route
func (cm *ConnectionManager) CurrentRoute() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.currentRoute
}

// IsOnline returns whether the current route answered its last check
func (cm *ConnectionManager) IsOnline() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	status, ok := cm.routeStatuses[cm.currentRoute]
	return ok && status.IsAvailable
}

// RouteStatuses returns a snapshot of all route statuses in priority order
func (cm *ConnectionManager) RouteStatuses() []RouteStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]RouteStatus, 0, len(cm.routes))
	for _, route := range cm.routes {
		out = append(out, *cm.routeStatuses[route.URL])
	}
	return out
}

// RouteHistory returns the route switch history
func (cm *ConnectionManager) RouteHistory() []RouteSwitch {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]RouteSwitch, len(cm.routeHistory))
	copy(out, cm.routeHistory)
	return out
}

// testConnection probes GET {route}/health
func (cm *ConnectionManager) testConnection(ctx context.Context, route config.SyncRouteConfig) bool {
	timeout := time.Duration(route.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ok, reason := false, ""
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, route.URL+"/health", nil)
	if err == nil {
		var resp *http.Response
		resp, err = cm.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			ok = resp.StatusCode == http.StatusOK
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
	}
	if err != nil {
		reason = err.Error()
	}
	latency := time.Since(start)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	status := cm.routeStatuses[route.URL]
	now := time.Now()
	status.LastCheck = now
	if ok {
		status.IsAvailable = true
		status.SuccessCount++
		status.LastSuccess = &now
		status.FailureCount = 0
		status.latencySum += latency
		status.latencyCount++
		status.AvgLatency = status.latencySum / time.Duration(status.latencyCount)
		return true
	}

	status.IsAvailable = false
	status.FailureCount++
	status.LastFailure = &now
	cm.logger.Printf("Route %s unavailable: %s", route.URL, reason)
	return false
}

func (cm *ConnectionManager) switchTo(url, reason string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.currentRoute == url {
		return
	}
	cm.routeHistory = append(cm.routeHistory, RouteSwitch{
		FromRoute: cm.currentRoute,
		ToRoute:   url,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	// Keep only last 100 switches
	if len(cm.routeHistory) > 100 {
		cm.routeHistory = cm.routeHistory[len(cm.routeHistory)-100:]
	}
	cm.logger.Printf("🔀 Route switched: %s -> %s (reason: %s)", cm.currentRoute, url, reason)
	cm.currentRoute = url
}

func (cm *ConnectionManager) healthCheckLoop(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.checkAllRoutes(context.Background())
		case <-stop:
			return
		}
	}
}

// checkAllRoutes moves back to a higher priority route once it answers
// again and leaves a current route that stopped answering
func (cm *ConnectionManager) checkAllRoutes(ctx context.Context) {
	current := cm.CurrentRoute()
	currentPriority := cm.routePriority(current)

	for _, route := range cm.routes {
		if route.Priority >= currentPriority {
			break
		}
		if cm.testConnection(ctx, route) {
			reason := "primary_restored"
			if current == "" || current == Offline {
				reason = "health_check_reconnect"
			}
			cm.switchTo(route.URL, reason)
			return
		}
	}

	if current == "" || current == Offline {
		return
	}
	for _, route := range cm.routes {
		if route.URL == current {
			if !cm.testConnection(ctx, route) {
				if _, err := cm.SelectRoute(ctx); err != nil {
					cm.logger.Printf("⚠️ Health check: %v", err)
				}
			}
			return
		}
	}
}

func (cm *ConnectionManager) routePriority(url string) int {
	for _, route := range cm.routes {
		if route.URL == url {
			return route.Priority
		}
	}
	return int(^uint(0) >> 1)
}
