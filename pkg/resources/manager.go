// Package resources tracks the availability of external dependencies -
// API quotas, databases, caches - so callers can route around an
// exhausted resource instead of hammering it.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elfops/aegis/pkg/logging"
	"github.com/elfops/aegis/pkg/metrics"
)

// ResourceType categorizes what kind of dependency is being tracked
type ResourceType int

const (
	TypeGeneric ResourceType = iota
	TypeAPIQuota
	TypeDatabase
	TypeCache
	TypeMemory
	TypeNetwork
	TypeMCPServer
	TypeCompute
)

func (t ResourceType) String() string {
	switch t {
	case TypeAPIQuota:
		return "api_quota"
	case TypeDatabase:
		return "database"
	case TypeCache:
		return "cache"
	case TypeMemory:
		return "memory"
	case TypeNetwork:
		return "network"
	case TypeMCPServer:
		return "mcp_server"
	case TypeCompute:
		return "compute"
	default:
		return "generic"
	}
}

// Status is the observed availability of a resource
type Status int

const (
	// StatusAvailable - resource is fully usable
	StatusAvailable Status = iota
	// StatusDegraded - resource works but is near its limits
	StatusDegraded
	// StatusExhausted - resource must not be used
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusDegraded:
		return "degraded"
	case StatusExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// CheckFunc probes a resource and reports its status with a human-readable
// detail message. A returned error is treated as exhaustion.
type CheckFunc func(ctx context.Context) (Status, string, error)

// ResourceStatus is a snapshot of one tracked resource
type ResourceStatus struct {
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Detail      string     `json:"detail,omitempty"`
	LastChecked time.Time  `json:"last_checked"`
	Pinned      bool       `json:"pinned"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
}

// ErrResourceNotFound is returned for operations on an unregistered resource
var ErrResourceNotFound = errors.New("resource not registered")

// ResourceExhaustedError signals a request was refused because the
// resource backing it has no capacity left
type ResourceExhaustedError struct {
	Name       string
	RetryAfter *time.Time
}

func (e *ResourceExhaustedError) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("resource '%s' is exhausted, retry after %s", e.Name, e.RetryAfter.Format(time.RFC3339))
	}
	return fmt.Sprintf("resource '%s' is exhausted", e.Name)
}

// IsResourceExhausted checks if an error is a resource exhaustion refusal
func IsResourceExhausted(err error) bool {
	var reErr *ResourceExhaustedError
	return errors.As(err, &reErr)
}

type resource struct {
	mutex sync.Mutex

	name  string
	rtype ResourceType
	check CheckFunc

	status      Status
	detail      string
	lastChecked time.Time

	// pinned marks a status set by MarkExhausted/MarkDegraded. A pinned
	// status never recovers by time alone; only a successful check
	// clears it.
	pinned     bool
	retryAfter *time.Time
}

// Manager tracks registered resources, caching check results for a
// freshness window so hot paths don't probe on every call.
type Manager struct {
	mutex     sync.RWMutex
	resources map[string]*resource

	freshness time.Duration
	recorder  metrics.Recorder
	logger    *logging.Logger
	now       func() time.Time
}

// ManagerConfig holds configuration for the resource manager
type ManagerConfig struct {
	// Freshness is how long a check result stays authoritative.
	// Default: 60 seconds
	Freshness time.Duration
	// Recorder receives instrumentation events. Default: metrics.Nop()
	Recorder metrics.Recorder
}

// NewManager creates an empty resource manager
func NewManager(config ManagerConfig) *Manager {
	if config.Freshness <= 0 {
		config.Freshness = 60 * time.Second
	}
	if config.Recorder == nil {
		config.Recorder = metrics.Nop()
	}
	return &Manager{
		resources: make(map[string]*resource),
		freshness: config.Freshness,
		recorder:  config.Recorder,
		logger:    logging.GetLogger(),
		now:       time.Now,
	}
}

// RegisterResource starts tracking a resource. The check function may be
// nil for resources whose status is only driven by MarkExhausted /
// MarkDegraded. A re-registration replaces the check but keeps no state.
func (m *Manager) RegisterResource(name string, rtype ResourceType, check CheckFunc) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.resources[name] = &resource{
		name:   name,
		rtype:  rtype,
		check:  check,
		status: StatusAvailable,
	}
	m.logger.LogResourceEvent(context.Background(), name, StatusAvailable.String(), map[string]interface{}{
		"resource_type": rtype.String(),
	})
}

func (m *Manager) get(name string) (*resource, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	res, ok := m.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, name)
	}
	return res, nil
}

// GetStatus returns the current status of a resource, running its check
// if the cached result has gone stale
func (m *Manager) GetStatus(ctx context.Context, name string) (Status, error) {
	res, err := m.get(name)
	if err != nil {
		return StatusExhausted, err
	}

	res.mutex.Lock()
	defer res.mutex.Unlock()
	return m.statusLocked(ctx, res, false), nil
}

// IsAvailable reports whether the resource is fully available
func (m *Manager) IsAvailable(ctx context.Context, name string) (bool, error) {
	status, err := m.GetStatus(ctx, name)
	if err != nil {
		return false, err
	}
	return status == StatusAvailable, nil
}

// IsUsable reports whether the resource can serve requests at all,
// including in a degraded state
func (m *Manager) IsUsable(ctx context.Context, name string) (bool, error) {
	status, err := m.GetStatus(ctx, name)
	if err != nil {
		return false, err
	}
	return status != StatusExhausted, nil
}

// statusLocked resolves the effective status, re-checking when stale.
// A pinned exhaustion only becomes eligible for re-checking after its
// retry-after deadline; without a deadline it waits for CheckNow.
func (m *Manager) statusLocked(ctx context.Context, res *resource, force bool) Status {
	now := m.now()

	if !force {
		if res.pinned {
			if res.retryAfter == nil || now.Before(*res.retryAfter) {
				return res.status
			}
		} else if !res.lastChecked.IsZero() && now.Sub(res.lastChecked) < m.freshness {
			return res.status
		}
	}

	if res.check == nil {
		if !res.pinned {
			res.lastChecked = now
		}
		return res.status
	}

	status, detail, err := res.check(ctx)
	res.lastChecked = m.now()
	if err != nil {
		status = StatusExhausted
		detail = err.Error()
	}

	prev := res.status
	res.status = status
	res.detail = detail
	res.pinned = false
	res.retryAfter = nil

	if status != prev {
		m.recorder.ResourceStatusChanged(res.name, res.rtype.String(), status.String())
		m.logger.LogResourceEvent(ctx, res.name, status.String(), map[string]interface{}{
			"previous": prev.String(),
			"detail":   detail,
		})
	}
	return status
}

// CheckNow runs the resource's check immediately, bypassing the cache,
// and returns the fresh status. This is the only way to clear an
// exhaustion that carries no retry-after deadline.
func (m *Manager) CheckNow(ctx context.Context, name string) (Status, error) {
	res, err := m.get(name)
	if err != nil {
		return StatusExhausted, err
	}

	res.mutex.Lock()
	defer res.mutex.Unlock()
	return m.statusLocked(ctx, res, true), nil
}

// MarkExhausted pins a resource as exhausted without running its check.
// If retryAfter is non-nil, checks resume once that much time has passed;
// otherwise only CheckNow can recover the resource.
func (m *Manager) MarkExhausted(name string, retryAfter *time.Duration) error {
	return m.pin(name, StatusExhausted, retryAfter)
}

// MarkDegraded pins a resource as degraded without running its check
func (m *Manager) MarkDegraded(name string, retryAfter *time.Duration) error {
	return m.pin(name, StatusDegraded, retryAfter)
}

func (m *Manager) pin(name string, status Status, retryAfter *time.Duration) error {
	res, err := m.get(name)
	if err != nil {
		return err
	}

	res.mutex.Lock()
	defer res.mutex.Unlock()

	prev := res.status
	res.status = status
	res.pinned = true
	res.retryAfter = nil
	if retryAfter != nil {
		deadline := m.now().Add(*retryAfter)
		res.retryAfter = &deadline
	}

	if status != prev {
		m.recorder.ResourceStatusChanged(res.name, res.rtype.String(), status.String())
	}
	m.logger.LogResourceEvent(context.Background(), name, status.String(), map[string]interface{}{
		"pinned": true,
	})
	return nil
}

// Require returns nil when the resource is usable and a
// ResourceExhaustedError when it is not
func (m *Manager) Require(ctx context.Context, name string) error {
	res, err := m.get(name)
	if err != nil {
		return err
	}

	res.mutex.Lock()
	defer res.mutex.Unlock()

	if m.statusLocked(ctx, res, false) == StatusExhausted {
		return &ResourceExhaustedError{Name: name, RetryAfter: res.retryAfter}
	}
	return nil
}

// Statuses returns a snapshot of every registered resource keyed by name.
// Snapshots reflect cached state and never trigger checks.
func (m *Manager) Statuses() map[string]ResourceStatus {
	m.mutex.RLock()
	names := make([]*resource, 0, len(m.resources))
	for _, res := range m.resources {
		names = append(names, res)
	}
	m.mutex.RUnlock()

	out := make(map[string]ResourceStatus, len(names))
	for _, res := range names {
		res.mutex.Lock()
		out[res.name] = ResourceStatus{
			Name:        res.name,
			Type:        res.rtype.String(),
			Status:      res.status.String(),
			Detail:      res.detail,
			LastChecked: res.lastChecked,
			Pinned:      res.pinned,
			RetryAfter:  res.retryAfter,
		}
		res.mutex.Unlock()
	}
	return out
}

// Names returns the names of all registered resources
func (m *Manager) Names() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.resources))
	for name := range m.resources {
		names = append(names, name)
	}
	return names
}
