package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"courier/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// HealthHandler handles health check requests
type HealthHandler struct {
	connManager *services.ConnectionManager
	instanceID  string
	checks      map[string]HealthCheck
	timeout     time.Duration
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(connManager *services.ConnectionManager, instanceID string) *HealthHandler {
	return &HealthHandler{
		connManager: connManager,
		instanceID:  instanceID,
		checks:      make(map[string]HealthCheck),
		timeout:     3 * time.Second,
	}
}

// AddCheck registers a named dependency probe
func (h *HealthHandler) AddCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// Handle responds with server health status. Any failing component makes
// the response 503 so load balancers stop routing to this instance.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, check HealthCheck) {
			defer wg.Done()
			if err := check(ctx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		}(i, h.checks[name])
	}
	wg.Wait()

	status := "healthy"
	components := make(fiber.Map, len(names))
	for i, name := range names {
		components[name] = results[i]
		if results[i] != "ok" {
			status = "degraded"
		}
	}

	code := fiber.StatusOK
	if status != "healthy" {
		code = fiber.StatusServiceUnavailable
	}

	connections := 0
	if h.connManager != nil {
		connections = h.connManager.Count()
	}

	return c.Status(code).JSON(fiber.Map{
		"status":      status,
		"instance":    h.instanceID,
		"components":  components,
		"connections": connections,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
