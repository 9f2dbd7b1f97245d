// Package recovery provides a reconnect loop for the metadata index's
// underlying database connection.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cowfs/cowfs/pkg/errors"
	"github.com/cowfs/cowfs/pkg/utils"
)

// ConnectionState is the lifecycle state of a managed connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionConfig configures reconnect and health-check behavior.
type ConnectionConfig struct {
	ConnectionTimeout          time.Duration
	ReconnectDelay             time.Duration
	MaxReconnectDelay          time.Duration
	ReconnectBackoffMultiplier float64
	MaxReconnectAttempts       int
	HealthCheckInterval        time.Duration
	HealthCheckTimeout         time.Duration
	EnableAutoReconnect        bool
	Logger                     *utils.StructuredLogger
}

// DefaultConnectionConfig returns sensible defaults for a single
// metadata-index connection.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectionTimeout:          10 * time.Second,
		ReconnectDelay:             1 * time.Second,
		MaxReconnectDelay:          30 * time.Second,
		ReconnectBackoffMultiplier: 2.0,
		MaxReconnectAttempts:       0,
		HealthCheckInterval:        30 * time.Second,
		HealthCheckTimeout:         5 * time.Second,
		EnableAutoReconnect:        true,
	}
}

// HealthChecker checks a connection's liveness.
type HealthChecker func(ctx context.Context) error

// ConnectionManager watches one logical connection (the metadata
// index's database handle). The handle itself is opened once by its
// owner; this manager only pings it on an interval, marks it
// reconnecting when a ping fails, and re-probes it with backoff until a
// probe succeeds or MaxReconnectAttempts is exhausted. It never reopens
// the handle.
type ConnectionManager struct {
	name   string
	config ConnectionConfig
	health HealthChecker
	logger *utils.StructuredLogger

	mu               sync.RWMutex
	state            ConnectionState
	connectedAt      time.Time
	lastError        error
	reconnectAttempt int32
	reconnectDelay   time.Duration

	shutdownCh chan struct{}
	shutdownWg sync.WaitGroup
	shutdown   int32
}

// ConnectionStats reports the manager's current view of the connection.
type ConnectionStats struct {
	Name             string          `json:"name"`
	State            ConnectionState `json:"state"`
	Connected        bool            `json:"connected"`
	ConnectedAt      *time.Time      `json:"connected_at,omitempty"`
	Uptime           time.Duration   `json:"uptime"`
	ReconnectAttempt int             `json:"reconnect_attempt"`
	LastError        string          `json:"last_error,omitempty"`
}

// NewConnectionManager starts watching a connection named name, using
// health to probe its liveness.
func NewConnectionManager(name string, config ConnectionConfig, health HealthChecker) *ConnectionManager {
	if config.Logger == nil {
		logger, _ := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		config.Logger = logger
	}

	cm := &ConnectionManager{
		name:           name,
		config:         config,
		health:         health,
		logger:         config.Logger,
		state:          StateDisconnected,
		reconnectDelay: config.ReconnectDelay,
		shutdownCh:     make(chan struct{}),
	}
	return cm
}

// MarkConnected records that the connection is established and, if
// configured, starts periodic health checking.
func (cm *ConnectionManager) MarkConnected() {
	cm.mu.Lock()
	cm.state = StateConnected
	cm.connectedAt = time.Now()
	cm.lastError = nil
	atomic.StoreInt32(&cm.reconnectAttempt, 0)
	cm.reconnectDelay = cm.config.ReconnectDelay
	cm.mu.Unlock()

	if cm.config.HealthCheckInterval > 0 && cm.health != nil {
		cm.shutdownWg.Add(1)
		go cm.healthCheckLoop()
	}
}

// IsConnected reports whether the last health check succeeded.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state == StateConnected
}

// GetState returns the current connection state.
func (cm *ConnectionManager) GetState() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// GetStats reports connection statistics for the status/health surface.
func (cm *ConnectionManager) GetStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		Name:             cm.name,
		State:            cm.state,
		Connected:        cm.state == StateConnected,
		ReconnectAttempt: int(atomic.LoadInt32(&cm.reconnectAttempt)),
	}
	if !cm.connectedAt.IsZero() {
		stats.ConnectedAt = &cm.connectedAt
		if cm.state == StateConnected {
			stats.Uptime = time.Since(cm.connectedAt)
		}
	}
	if cm.lastError != nil {
		stats.LastError = cm.lastError.Error()
	}
	return stats
}

// healthCheckLoop pings the connection on HealthCheckInterval and
// transitions to StateReconnecting on failure.
func (cm *ConnectionManager) healthCheckLoop() {
	defer cm.shutdownWg.Done()

	ticker := time.NewTicker(cm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if atomic.LoadInt32(&cm.shutdown) == 1 {
				return
			}
			cm.performHealthCheck()
		case <-cm.shutdownCh:
			return
		}
	}
}

func (cm *ConnectionManager) performHealthCheck() {
	cm.mu.RLock()
	connected := cm.state == StateConnected
	cm.mu.RUnlock()
	if !connected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.HealthCheckTimeout)
	defer cancel()

	err := cm.health(ctx)
	if err == nil {
		return
	}

	cm.logger.Warn("health check failed", map[string]interface{}{
		"name":  cm.name,
		"error": err.Error(),
	})

	cm.mu.Lock()
	cm.lastError = err
	cm.state = StateReconnecting
	cm.mu.Unlock()

	if cm.config.EnableAutoReconnect {
		cm.scheduleRetry()
	}
}

// scheduleRetry waits out the current backoff and re-probes; a
// successful probe returns the manager to StateConnected without the
// caller having to reopen anything, since sqlite reconnects
// transparently on the next query. This differs from a network
// database (the teacher's target): there is no socket to reopen, only
// a liveness flag to clear.
func (cm *ConnectionManager) scheduleRetry() {
	attempt := atomic.AddInt32(&cm.reconnectAttempt, 1)
	if cm.config.MaxReconnectAttempts > 0 && int(attempt) > cm.config.MaxReconnectAttempts {
		cm.mu.Lock()
		cm.state = StateFailed
		cm.mu.Unlock()
		cm.logger.Error("maximum reconnection attempts exceeded", map[string]interface{}{
			"name":     cm.name,
			"attempts": attempt,
		})
		return
	}

	cm.mu.Lock()
	delay := cm.reconnectDelay
	cm.reconnectDelay = time.Duration(float64(cm.reconnectDelay) * cm.config.ReconnectBackoffMultiplier)
	if cm.reconnectDelay > cm.config.MaxReconnectDelay {
		cm.reconnectDelay = cm.config.MaxReconnectDelay
	}
	cm.mu.Unlock()

	cm.shutdownWg.Add(1)
	go func() {
		defer cm.shutdownWg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			if atomic.LoadInt32(&cm.shutdown) == 1 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), cm.config.ConnectionTimeout)
			err := cm.health(ctx)
			cancel()
			if err != nil {
				cm.mu.Lock()
				cm.lastError = err
				cm.mu.Unlock()
				cm.scheduleRetry()
				return
			}
			cm.MarkConnected()
		case <-cm.shutdownCh:
			return
		}
	}()
}

// Wait blocks until the connection reaches StateConnected or
// StateFailed, or ctx is done.
func (cm *ConnectionManager) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			switch cm.GetState() {
			case StateConnected:
				return nil
			case StateFailed:
				return errors.NewError(errors.ErrCodeConnectionFailed, fmt.Sprintf("connection %q failed permanently", cm.name)).
					WithComponent(cm.name)
			}
		}
	}
}

// Close stops health checking and any in-flight retry.
func (cm *ConnectionManager) Close() error {
	if !atomic.CompareAndSwapInt32(&cm.shutdown, 0, 1) {
		return nil
	}
	close(cm.shutdownCh)
	cm.shutdownWg.Wait()
	return nil
}
