package effector

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bartekus/sentrygate/internal/logging"
	"github.com/bartekus/sentrygate/internal/model"
)

const registryName = "effector.Registry"

var (
	// ErrUnknownCapability is returned when Get() is called with an unregistered type.
	ErrUnknownCapability = errors.New("unknown capability type")
	// ErrEmptyCapability is the value Register panics with when the effector's type is empty.
	ErrEmptyCapability = errors.New("empty capability type")
)

// Instrumentation hooks for observability (optional, nil-safe).
var (
	OnRegistered func(kind, id string)
	OnLookup     func(kind, id string, found bool)
)

// Registry holds one Effector per CapabilityType. Register is idempotent: a
// duplicate registration logs a warning and keeps the first-registered
// effector rather than panicking, since capability effectors are wired once
// at process start and a panic there would take down the whole control
// plane over a double-import rather than a genuine programming error.
type Registry struct {
	mu        sync.RWMutex
	effectors map[model.CapabilityType]Effector
	log       logging.Logger
}

// NewRegistry creates an empty registry that logs through l.
func NewRegistry(l logging.Logger) *Registry {
	return &Registry{
		effectors: make(map[model.CapabilityType]Effector),
		log:       l,
	}
}

// Register adds e to the registry, keyed by e.Type(). Re-registering the
// same type is a no-op: the existing effector wins and a warning is logged.
func (r *Registry) Register(e Effector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	typ := e.Type()
	if typ == "" {
		panic(fmt.Sprintf("%s.Register: %v", registryName, ErrEmptyCapability))
	}

	if _, exists := r.effectors[typ]; exists {
		if r.log != nil {
			r.log.Warn("effector already registered, ignoring duplicate", logging.NewField("type", string(typ)))
		}
		return
	}

	r.effectors[typ] = e
	if OnRegistered != nil {
		OnRegistered(registryName, string(typ))
	}
	if r.log != nil {
		r.log.Debug("effector registered", logging.NewField("type", string(typ)))
	}
}

// Get retrieves the effector for typ.
func (r *Registry) Get(typ model.CapabilityType) (Effector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.effectors[typ]
	if OnLookup != nil {
		OnLookup(registryName, string(typ), ok)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, typ)
	}
	return e, nil
}

// Types returns all registered capability types in the deterministic
// built-in order (filesystem, shell, network, echo) followed by any others
// in lexicographic order.
func (r *Registry) Types() []model.CapabilityType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	builtinOrder := []model.CapabilityType{
		model.CapabilityFilesystem,
		model.CapabilityShell,
		model.CapabilityNetwork,
		model.CapabilityEcho,
	}

	seen := make(map[model.CapabilityType]bool, len(r.effectors))
	out := make([]model.CapabilityType, 0, len(r.effectors))
	for _, t := range builtinOrder {
		if _, ok := r.effectors[t]; ok {
			out = append(out, t)
			seen[t] = true
		}
	}

	var rest []model.CapabilityType
	for t := range r.effectors {
		if !seen[t] {
			rest = append(rest, t)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}
