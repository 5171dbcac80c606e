package health

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BrokerLink is what BrokerChecker needs to know about a connector
type BrokerLink interface {
	BreakerState() gobreaker.State
	Connected() bool
}

// BrokerChecker reports the broker connection and the circuit breaker in
// front of it. An open breaker is unhealthy, a half-open one degraded.
// No live connection is degraded, since connections are dialed lazily.
type BrokerChecker struct {
	link BrokerLink
}

// NewBrokerChecker creates a broker health checker
func NewBrokerChecker(link BrokerLink) *BrokerChecker {
	return &BrokerChecker{link: link}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.link.BreakerState()
	connected := c.link.Connected()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"breaker":   state.String(),
			"connected": connected,
		},
	}

	switch {
	case state == gobreaker.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "circuit breaker is open"
	case state == gobreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "circuit breaker is probing"
	case !connected:
		result.Status = StatusDegraded
		result.Message = "not connected"
	default:
		result.Status = StatusHealthy
		result.Message = "connected"
	}

	result.Duration = time.Since(start)
	return result
}

// GroupsChecker reports whether the expected channel groups are running
type GroupsChecker struct {
	expected int
	running  func() []string
}

// NewGroupsChecker creates a checker expecting expected groups from running
func NewGroupsChecker(expected int, running func() []string) *GroupsChecker {
	return &GroupsChecker{expected: expected, running: running}
}

func (c *GroupsChecker) Name() string {
	return "channel_groups"
}

func (c *GroupsChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	names := c.running()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"groups": names},
	}

	switch {
	case len(names) == 0 && c.expected > 0:
		result.Status = StatusUnhealthy
		result.Message = "channel groups not started"
	case len(names) < c.expected:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d channel groups running", len(names), c.expected)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d channel groups running", len(names))
	}

	result.Duration = time.Since(start)
	return result
}
