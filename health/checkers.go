package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/rmqbus/internal/rabbitmq"
	"github.com/glimte/rmqbus/monitor"
)

// StateSource reports the connection state. *rabbitmq.ConnectionManager
// implements it.
type StateSource interface {
	State() rabbitmq.State
}

// ConnectionChecker reports the broker connection state
type ConnectionChecker struct {
	source StateSource
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(source StateSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

// Check is healthy when ready, degraded while reconnecting and unhealthy otherwise
func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateReady:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "Reconnecting to RabbitMQ"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Not connected to RabbitMQ"
	}
	result.Duration = time.Since(start)
	return result
}

// ManagementAPI is the part of the management client the checkers use
type ManagementAPI interface {
	GetOverview(ctx context.Context) (*monitor.Overview, error)
	ListQueues(ctx context.Context) ([]monitor.QueueInfo, error)
}

// ManagementChecker verifies the management API answers. Reconciliation
// depends on it but message flow does not, so failures degrade.
type ManagementChecker struct {
	api ManagementAPI
}

// NewManagementChecker creates a management API checker
func NewManagementChecker(api ManagementAPI) *ManagementChecker {
	return &ManagementChecker{api: api}
}

func (c *ManagementChecker) Name() string {
	return "management_api"
}

func (c *ManagementChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	overview, err := c.api.GetOverview(ctx)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "Management API is unreachable"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Management API is reachable"
	result.Details["rabbitmq_version"] = overview.RabbitMQVersion
	result.Details["queues"] = overview.ObjectTotals.Queues
	return result
}

// QueueChecker verifies that the queues a process consumes exist and have
// at least one consumer.
type QueueChecker struct {
	api    ManagementAPI
	queues []string
}

// NewQueueChecker creates a checker for queues
func NewQueueChecker(api ManagementAPI, queues ...string) *QueueChecker {
	return &QueueChecker{api: api, queues: queues}
}

func (c *QueueChecker) Name() string {
	return "queues"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	live, err := c.api.ListQueues(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "Failed to list queues"
		result.Error = err.Error()
		return result
	}

	byName := make(map[string]monitor.QueueInfo, len(live))
	for _, q := range live {
		byName[q.Name] = q
	}

	result.Status = StatusHealthy
	result.Message = "All queues are consumed"
	for _, name := range c.queues {
		q, ok := byName[name]
		switch {
		case !ok:
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("Queue %s does not exist", name)
		case q.Consumers == 0:
			result.Status = worst(result.Status, StatusDegraded)
			if result.Status == StatusDegraded {
				result.Message = fmt.Sprintf("Queue %s has no consumers", name)
			}
		}
		if ok {
			result.Details[name] = map[string]interface{}{
				"messages":  q.Messages,
				"consumers": q.Consumers,
			}
		}
	}
	return result
}
