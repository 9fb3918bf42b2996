package providers

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/upb/ai-execution-gateway/services"
)

// DefaultTimeout applies to descriptors that do not set one
const DefaultTimeout = 60 * time.Second

var (
	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")

	// ErrInvalidDescriptor is returned for descriptors without an id or models
	ErrInvalidDescriptor = errors.New("invalid provider descriptor")
)

// AdapterBuilder constructs the adapter for a descriptor
type AdapterBuilder func(desc ProviderDescriptor) (Adapter, error)

type registration struct {
	descriptor ProviderDescriptor
	adapter    Adapter
}

// Registry maps logical provider ids to adapters and descriptors
type Registry struct {
	mu        sync.RWMutex
	providers map[string]registration
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]registration),
	}
}

// Register validates the descriptor, builds its adapter and registers both.
// Existing registrations are never touched.
func (r *Registry) Register(desc ProviderDescriptor, build AdapterBuilder) error {
	if desc.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidDescriptor)
	}
	if len(desc.Models) == 0 {
		return fmt.Errorf("%w: provider %s declares no models", ErrInvalidDescriptor, desc.ID)
	}
	if build == nil {
		return fmt.Errorf("%w: provider %s has no adapter builder", ErrInvalidDescriptor, desc.ID)
	}
	for model, pricing := range desc.Models {
		if pricing.InputPrice < 0 || pricing.OutputPrice < 0 {
			return fmt.Errorf("%w: provider %s model %s has a negative price", ErrInvalidDescriptor, desc.ID, model)
		}
	}
	if desc.Timeout <= 0 {
		desc.Timeout = DefaultTimeout
	}
	desc = desc.clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, desc.ID)
	}

	adapter, err := build(desc)
	if err != nil {
		return fmt.Errorf("failed to build provider %s: %w", desc.ID, err)
	}
	if adapter == nil {
		return fmt.Errorf("%w: builder for %s returned nil", ErrInvalidDescriptor, desc.ID)
	}

	r.providers[desc.ID] = registration{descriptor: desc, adapter: adapter}
	return nil
}

// Resolve returns the adapter and descriptor for a logical provider id,
// failing with an UnknownProvider failure if it is not registered
func (r *Registry) Resolve(id string) (Adapter, ProviderDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.providers[id]
	if !exists {
		return nil, ProviderDescriptor{}, services.UnknownProvider(id)
	}

	return reg.adapter, reg.descriptor.clone(), nil
}

// Descriptor returns the descriptor for a provider id
func (r *Registry) Descriptor(id string) (ProviderDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.providers[id]
	if !exists {
		return ProviderDescriptor{}, false
	}
	return reg.descriptor.clone(), true
}

// ListAvailable returns all registered descriptors sorted by id
func (r *Registry) ListAvailable() []ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]ProviderDescriptor, 0, len(r.providers))
	for _, reg := range r.providers {
		descriptors = append(descriptors, reg.descriptor.clone())
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].ID < descriptors[j].ID
	})

	return descriptors
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.providers)
}

// RegistryBuilder helps build a registry from a catalog of descriptors
type RegistryBuilder struct {
	registry *Registry
	builders map[string]AdapterBuilder
}

// NewRegistryBuilder creates a new registry builder
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		registry: NewRegistry(),
		builders: make(map[string]AdapterBuilder),
	}
}

// WithAdapterBuilder registers the builder used for a provider id
func (rb *RegistryBuilder) WithAdapterBuilder(id string, builder AdapterBuilder) *RegistryBuilder {
	rb.builders[id] = builder
	return rb
}

// Build registers every catalog descriptor that has a builder and returns
// the registry together with the ids that were skipped for lack of one
func (rb *RegistryBuilder) Build(catalog []ProviderDescriptor) (*Registry, []string, error) {
	var skipped []string
	for _, desc := range catalog {
		builder, exists := rb.builders[desc.ID]
		if !exists {
			skipped = append(skipped, desc.ID)
			continue
		}
		if err := rb.registry.Register(desc, builder); err != nil {
			return nil, nil, fmt.Errorf("failed to register provider %s: %w", desc.ID, err)
		}
	}

	return rb.registry, skipped, nil
}
