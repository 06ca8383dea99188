package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"krpc/transport"
)

var (
	ErrUnknownService = errors.New("agent: unknown service")
	ErrUnknownMethod  = errors.New("agent: unknown method")
	ErrServiceExists  = errors.New("agent: service already registered")
)

// MethodFunc serves one call. ctx is cancelled when the connection closes.
type MethodFunc func(ctx context.Context, c *transport.Conn, args []byte) ([]byte, error)

// EventFunc receives one event. It runs on the connection's read loop and
// must return quickly.
type EventFunc func(c *transport.Conn, payload []byte)

// Service exposes methods by name.
type Service interface {
	Method(name string) (MethodFunc, bool)
}

// EventService is implemented by services that accept events.
type EventService interface {
	Service
	Event(name string) (EventFunc, bool)
}

// Methods is a Service backed by a map.
type Methods map[string]MethodFunc

func (m Methods) Method(name string) (MethodFunc, bool) {
	fn, ok := m[name]
	return fn, ok
}

// ServiceRegistry routes "service.method" calls and events to registered
// services. It is the transport.Invoker of every connection of an agent.
type ServiceRegistry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]Service
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry(logger *slog.Logger) *ServiceRegistry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ServiceRegistry{logger: logger, services: make(map[string]Service)}
}

// Register exposes svc under name. Names must be non-empty and contain no dot.
func (r *ServiceRegistry) Register(name string, svc Service) error {
	if name == "" || strings.Contains(name, ".") || svc == nil {
		return fmt.Errorf("agent: invalid service %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, name)
	}
	r.services[name] = svc
	r.logger.Debug("services: registered", "service", name)
	return nil
}

// Unregister withdraws a service. Calls already running are not affected.
func (r *ServiceRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; !ok {
		return false
	}
	delete(r.services, name)
	return true
}

// Names returns the registered service names, sorted.
func (r *ServiceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Invoke implements transport.Invoker.
func (r *ServiceRegistry) Invoke(ctx context.Context, c *transport.Conn, method string, args []byte) ([]byte, error) {
	svc, name, err := r.lookup(method)
	if err != nil {
		return nil, err
	}
	fn, ok := svc.Method(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return fn(ctx, c, args)
}

// Deliver implements transport.Invoker.
func (r *ServiceRegistry) Deliver(c *transport.Conn, method string, payload []byte) {
	svc, name, err := r.lookup(method)
	if err != nil {
		r.logger.Debug("services: event dropped", "method", method, "error", err)
		return
	}
	es, ok := svc.(EventService)
	if !ok {
		r.logger.Debug("services: event dropped, service takes no events", "method", method)
		return
	}
	fn, ok := es.Event(name)
	if !ok {
		r.logger.Debug("services: event dropped, unknown event", "method", method)
		return
	}
	fn(c, payload)
}

func (r *ServiceRegistry) lookup(method string) (Service, string, error) {
	service, name, ok := strings.Cut(method, ".")
	if !ok || name == "" {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	r.mu.RLock()
	svc, found := r.services[service]
	r.mu.RUnlock()
	if !found {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return svc, name, nil
}

// ---------------------------------------------------------------------------
// Built-in rpc service
// ---------------------------------------------------------------------------

// RPCService is the name of the built-in introspection service.
const RPCService = "rpc"

// ConnectionInfo describes a live connection.
type ConnectionInfo struct {
	ID        int       `json:"id"`
	PeerGUID  uuid.UUID `json:"peer_guid"`
	Direction string    `json:"direction"`
	State     string    `json:"state"`
	Remote    string    `json:"remote"`
	Secure    bool      `json:"secure"`
}

// Describe summarises c.
func Describe(c *transport.Conn) ConnectionInfo {
	return ConnectionInfo{
		ID:        c.ID(),
		PeerGUID:  c.PeerGUID(),
		Direction: c.Direction().String(),
		State:     c.State().String(),
		Remote:    c.RemoteAddr().String(),
		Secure:    c.Secure(),
	}
}

func rpcMethods(a *Agent) Methods {
	return Methods{
		"ping": func(_ context.Context, _ *transport.Conn, args []byte) ([]byte, error) {
			return args, nil
		},
		"guid": func(context.Context, *transport.Conn, []byte) ([]byte, error) {
			return []byte(a.GUID().String()), nil
		},
		"services": func(context.Context, *transport.Conn, []byte) ([]byte, error) {
			return json.Marshal(a.services.Names())
		},
		"connections": func(context.Context, *transport.Conn, []byte) ([]byte, error) {
			conns := a.Connections()
			out := make([]ConnectionInfo, 0, len(conns))
			for _, c := range conns {
				out = append(out, Describe(c))
			}
			return json.Marshal(out)
		},
	}
}
