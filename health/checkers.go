package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/channel"
	"github.com/glimte/mmate-httpbridge/internal/reliability"
)

// TransportChecker publishes a probe on a throwaway topic and reads it back
type TransportChecker struct {
	transport channel.Transport
	prefix    string
	timeout   time.Duration
	slow      time.Duration
	logger    *slog.Logger
}

// NewTransportChecker creates a round-trip checker. Round trips slower than
// a quarter of timeout report degraded.
func NewTransportChecker(transport channel.Transport, prefix string, timeout time.Duration, logger *slog.Logger) *TransportChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransportChecker{
		transport: transport,
		prefix:    prefix,
		timeout:   timeout,
		slow:      timeout / 4,
		logger:    logger,
	}
}

func (c *TransportChecker) Name() string {
	return "transport_" + c.transport.Name()
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	probe := uuid.New().String()
	topic := c.prefix + "health/" + probe
	result.Details["topic"] = topic

	ch, err := c.transport.Open(ctx, topic, c.timeout)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open probe topic"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	if err := ch.Publish(ctx, []byte(probe)); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to publish probe"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	got, err := ch.Latest(ctx, c.timeout)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "Probe not read back"
		result.Error = err.Error()
	case string(got) != probe:
		result.Status = StatusDegraded
		result.Message = "Probe topic returned a foreign value"
	case result.Duration > c.slow:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Slow round trip: %s", result.Duration.Round(time.Millisecond))
	default:
		result.Status = StatusHealthy
		result.Message = "Transport is healthy"
	}
	if result.Status != StatusHealthy {
		c.logger.Warn("transport health check", "status", result.Status, "message", result.Message, "error", result.Error)
	}
	return result
}

// ConnectivityChecker reports the broker connection state of transports
// that keep one
type ConnectivityChecker struct {
	name      string
	connected func() bool
}

// NewConnectivityChecker returns a checker for transport, or false when the
// transport does not report its connection state
func NewConnectivityChecker(transport channel.Transport) (*ConnectivityChecker, bool) {
	c, ok := transport.(interface{ Connected() bool })
	if !ok {
		return nil, false
	}
	return &ConnectivityChecker{name: "connection_" + transport.Name(), connected: c.Connected}, true
}

func (c *ConnectivityChecker) Name() string {
	return c.name
}

func (c *ConnectivityChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}
	if c.connected() {
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}
	result.Duration = time.Since(start)
	return result
}

// RegistryChecker reports the live connection count
type RegistryChecker struct {
	registry *bridge.Registry
	warnAt   int
}

// NewRegistryChecker creates a registry checker. A count at or above warnAt
// reports degraded; warnAt <= 0 disables the threshold.
func NewRegistryChecker(registry *bridge.Registry, warnAt int) *RegistryChecker {
	return &RegistryChecker{registry: registry, warnAt: warnAt}
}

func (c *RegistryChecker) Name() string {
	return "connections"
}

func (c *RegistryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	n := c.registry.Len()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"active": n},
	}
	if c.warnAt > 0 && n >= c.warnAt {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High connection count: %d", n)
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d live connections", n)
	}
	result.Duration = time.Since(start)
	return result
}

// BreakerChecker reports the command circuit breaker. Open is unhealthy,
// half-open is degraded.
type BreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewBreakerChecker returns false when the bridge publishes commands without
// a circuit breaker
func NewBreakerChecker(b *bridge.Bridge) (*BreakerChecker, bool) {
	cb := b.Config().CircuitBreaker
	if cb == nil {
		return nil, false
	}
	return &BreakerChecker{breaker: cb}, true
}

func (c *BreakerChecker) Name() string {
	return "breaker_" + c.breaker.Name()
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.breaker.Stats()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":    stats.State.String(),
			"failures": stats.CurrentFailures,
			"rejected": stats.TotalRejected,
		},
	}
	switch stats.State {
	case reliability.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "Command publishing is suspended"
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "Probing command topic after failures"
	default:
		result.Status = StatusHealthy
		result.Message = "Circuit closed"
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker checks goroutine count and heap use
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["heap_alloc_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
