package providers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/ai-execution-gateway/services"
)

// stubAdapter is a minimal Adapter for registry tests
type stubAdapter struct {
	name string
	desc ProviderDescriptor
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Validate(req *ExecutionRequest) error {
	return ValidateAgainst(s.desc, req)
}

func (s *stubAdapter) Execute(ctx context.Context, req *ExecutionRequest) (*Completion, error) {
	return &Completion{Output: s.name + ":" + req.Prompt, InputTokens: 1, OutputTokens: 1}, nil
}

func stubBuilder(desc ProviderDescriptor) (Adapter, error) {
	return &stubAdapter{name: desc.ID, desc: desc}, nil
}

func testDescriptor(id string) ProviderDescriptor {
	return ProviderDescriptor{
		ID:   id,
		Name: "Provider " + id,
		Models: map[string]ModelPricing{
			"m1": {InputPrice: 0.000001, OutputPrice: 0.000002, MaxOutputTokens: 1024},
		},
		Timeout: 5 * time.Second,
	}
}

func TestRegistry_Register(t *testing.T) {
	t.Run("registers and resolves", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(testDescriptor("p1"), stubBuilder))

		adapter, desc, err := registry.Resolve("p1")
		require.NoError(t, err)
		assert.Equal(t, "p1", adapter.Name())
		assert.Equal(t, "p1", desc.ID)
		assert.Equal(t, 5*time.Second, desc.Timeout)
		assert.Equal(t, 1, registry.Count())
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(testDescriptor("p1"), stubBuilder))

		err := registry.Register(testDescriptor("p1"), stubBuilder)
		assert.ErrorIs(t, err, ErrProviderAlreadyRegistered)
	})

	t.Run("rejects invalid descriptors", func(t *testing.T) {
		registry := NewRegistry()

		noID := testDescriptor("")
		assert.ErrorIs(t, registry.Register(noID, stubBuilder), ErrInvalidDescriptor)

		noModels := testDescriptor("p2")
		noModels.Models = nil
		assert.ErrorIs(t, registry.Register(noModels, stubBuilder), ErrInvalidDescriptor)

		negative := testDescriptor("p3")
		negative.Models["m1"] = ModelPricing{InputPrice: -1}
		assert.ErrorIs(t, registry.Register(negative, stubBuilder), ErrInvalidDescriptor)

		assert.ErrorIs(t, registry.Register(testDescriptor("p4"), nil), ErrInvalidDescriptor)
		assert.Equal(t, 0, registry.Count())
	})

	t.Run("propagates builder errors", func(t *testing.T) {
		registry := NewRegistry()
		buildErr := errors.New("missing api key")

		err := registry.Register(testDescriptor("p1"), func(ProviderDescriptor) (Adapter, error) {
			return nil, buildErr
		})
		assert.ErrorIs(t, err, buildErr)
		assert.Equal(t, 0, registry.Count())
	})

	t.Run("applies default timeout", func(t *testing.T) {
		registry := NewRegistry()
		desc := testDescriptor("p1")
		desc.Timeout = 0
		require.NoError(t, registry.Register(desc, stubBuilder))

		got, ok := registry.Descriptor("p1")
		require.True(t, ok)
		assert.Equal(t, DefaultTimeout, got.Timeout)
	})
}

func TestRegistry_Resolve_UnknownProvider(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(testDescriptor("p1"), stubBuilder))

	adapter, _, err := registry.Resolve("ghost")
	assert.Nil(t, adapter)
	require.Error(t, err)
	assert.True(t, services.IsUnknownProvider(err))
	assert.ErrorIs(t, err, services.ErrUnknownProvider)
}

func TestRegistry_ListAvailable(t *testing.T) {
	registry := NewRegistry()
	for _, id := range []string{"gemini", "anthropic", "openai"} {
		require.NoError(t, registry.Register(testDescriptor(id), stubBuilder))
	}

	descriptors := registry.ListAvailable()
	require.Len(t, descriptors, 3)
	assert.Equal(t, "anthropic", descriptors[0].ID)
	assert.Equal(t, "gemini", descriptors[1].ID)
	assert.Equal(t, "openai", descriptors[2].ID)

	// Mutating the returned copy must not leak into the registry
	descriptors[0].Models["m1"] = ModelPricing{InputPrice: 99}
	desc, _ := registry.Descriptor("anthropic")
	assert.Equal(t, 0.000001, desc.Models["m1"].InputPrice)
}

func TestRegistry_NewProviderDoesNotAffectExisting(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(testDescriptor("p1"), stubBuilder))

	req := &ExecutionRequest{ProviderID: "p1", Model: "m1", Prompt: "hello"}
	before, beforeDesc, err := registry.Resolve("p1")
	require.NoError(t, err)
	beforeOut, err := before.Execute(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, registry.Register(testDescriptor("p5"), stubBuilder))

	after, afterDesc, err := registry.Resolve("p1")
	require.NoError(t, err)
	afterOut, err := after.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Same(t, before, after)
	assert.Equal(t, beforeDesc, afterDesc)
	assert.Equal(t, beforeOut, afterOut)
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(testDescriptor("p1"), stubBuilder))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := registry.Resolve("p1")
			assert.NoError(t, err)
			_ = registry.ListAvailable()
		}()
	}
	wg.Wait()
}

func TestRegistryBuilder_Build(t *testing.T) {
	catalog := []ProviderDescriptor{testDescriptor("openai"), testDescriptor("bedrock"), testDescriptor("gemini")}

	registry, skipped, err := NewRegistryBuilder().
		WithAdapterBuilder("openai", stubBuilder).
		WithAdapterBuilder("gemini", stubBuilder).
		Build(catalog)

	require.NoError(t, err)
	assert.Equal(t, 2, registry.Count())
	assert.Equal(t, []string{"bedrock"}, skipped)

	_, _, err = registry.Resolve("bedrock")
	assert.True(t, services.IsUnknownProvider(err))
}
