package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"LX-Agent/internal/config"
)

type fakeAdapter struct {
	caps       []string
	connectErr error
	execErr    error
	execResult map[string]any
	available  atomic.Bool
	execCalls  atomic.Int64
}

func (f *fakeAdapter) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.available.Store(true)
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.available.Store(false)
	return nil
}

func (f *fakeAdapter) Execute(_ context.Context, operation string, _ map[string]any) (map[string]any, error) {
	f.execCalls.Add(1)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.execResult != nil {
		return f.execResult, nil
	}
	return map[string]any{"operation": operation}, nil
}

func (f *fakeAdapter) Capabilities() []string { return f.caps }
func (f *fakeAdapter) IsAvailable() bool      { return f.available.Load() }

func loadRegistry(t *testing.T, services []config.ServiceConfig, adapters map[string]*fakeAdapter) *Registry {
	t.Helper()
	registry := NewRegistry()
	registry.Load(context.Background(), services, func(cfg config.ServiceConfig) (Adapter, error) {
		adapter, ok := adapters[cfg.Name]
		if !ok {
			t.Fatalf("no fake adapter for %s", cfg.Name)
		}
		return adapter, nil
	})
	return registry
}

func TestRegistryLoadKeepsFailedAdapters(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"good": {caps: []string{"file"}},
		"bad":  {caps: []string{"file"}, connectErr: errors.New("connection refused")},
	}
	registry := loadRegistry(t, []config.ServiceConfig{
		{Name: "good", Enabled: true, Priority: 1, Capabilities: []string{"file"}},
		{Name: "bad", Enabled: true, Priority: 2, Capabilities: []string{"file"}},
	}, adapters)

	if got := registry.ConnectedCount(); got != 1 {
		t.Fatalf("ConnectedCount = %d, want 1", got)
	}
	desc, ok := registry.Get("bad")
	if !ok {
		t.Fatal("failed adapter should remain in the registry")
	}
	if desc.State() != StateFailed {
		t.Fatalf("state = %s, want %s", desc.State(), StateFailed)
	}
}

func TestRegistrySkipsDisabledServices(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"on": {caps: []string{"file"}},
	}
	registry := loadRegistry(t, []config.ServiceConfig{
		{Name: "on", Enabled: true, Capabilities: []string{"file"}},
		{Name: "off", Enabled: false, Capabilities: []string{"file"}},
	}, adapters)

	if _, ok := registry.Get("off"); ok {
		t.Fatal("disabled service must not be registered")
	}
	if got := registry.ConnectedCount(); got != 1 {
		t.Fatalf("ConnectedCount = %d, want 1", got)
	}
}

func TestAvailableForNeverReturnsDisconnected(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"a": {caps: []string{"file"}},
		"b": {caps: []string{"file"}},
	}
	registry := loadRegistry(t, []config.ServiceConfig{
		{Name: "a", Enabled: true, Priority: 1, Capabilities: []string{"file"}},
		{Name: "b", Enabled: true, Priority: 2, Capabilities: []string{"file"}},
	}, adapters)

	registry.MarkFailed("a")
	for _, desc := range registry.AvailableFor("file") {
		if desc.State() != StateConnected {
			t.Fatalf("AvailableFor returned adapter %s in state %s", desc.Name, desc.State())
		}
		if desc.Name == "a" {
			t.Fatal("failed adapter must not be eligible for routing")
		}
	}
}

func TestAvailableForOrdersByPriorityThenRegistration(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"third":  {caps: []string{"file"}},
		"first":  {caps: []string{"file"}},
		"second": {caps: []string{"file"}},
	}
	registry := loadRegistry(t, []config.ServiceConfig{
		{Name: "third", Enabled: true, Priority: 5, Capabilities: []string{"file"}},
		{Name: "first", Enabled: true, Priority: 1, Capabilities: []string{"file"}},
		{Name: "second", Enabled: true, Priority: 5, Capabilities: []string{"file"}},
	}, adapters)

	got := registry.AvailableFor("file")
	want := []string{"first", "third", "second"}
	if len(got) != len(want) {
		t.Fatalf("got %d adapters, want %d", len(got), len(want))
	}
	for i, desc := range got {
		if desc.Name != want[i] {
			t.Fatalf("position %d = %s, want %s", i, desc.Name, want[i])
		}
	}
}

func TestCapabilityCatalogueIsStable(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"a": {caps: []string{"file", "process"}},
		"b": {caps: []string{"screenshot"}, connectErr: errors.New("down")},
	}
	registry := loadRegistry(t, []config.ServiceConfig{
		{Name: "a", Enabled: true, Capabilities: []string{"file", "process"}},
		{Name: "b", Enabled: true, Capabilities: []string{"screenshot"}},
	}, adapters)

	first := registry.CapabilityCatalogue()
	second := registry.CapabilityCatalogue()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("catalogue sizes = %d/%d, want 1/1", len(first), len(second))
	}
	if _, ok := first["b"]; ok {
		t.Fatal("catalogue must not include adapters that never connected")
	}
	if len(first["a"]) != 2 {
		t.Fatalf("capabilities of a = %v, want two entries", first["a"])
	}
}

func TestReconnectRestoresFailedAdapter(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"a": {caps: []string{"file"}},
	}
	registry := loadRegistry(t, []config.ServiceConfig{
		{Name: "a", Enabled: true, Capabilities: []string{"file"}},
	}, adapters)

	registry.MarkFailed("a")
	if len(registry.AvailableFor("file")) != 0 {
		t.Fatal("failed adapter should be unavailable")
	}
	if err := registry.Reconnect(context.Background(), "a"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if len(registry.AvailableFor("file")) != 1 {
		t.Fatal("reconnected adapter should be available again")
	}
	if err := registry.Reconnect(context.Background(), "missing"); err == nil {
		t.Fatal("Reconnect on unknown adapter must fail")
	}
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"a": {caps: []string{"file"}},
		"b": {caps: []string{"file"}},
	}
	registry := loadRegistry(t, []config.ServiceConfig{
		{Name: "a", Enabled: true, Capabilities: []string{"file"}},
		{Name: "b", Enabled: true, Capabilities: []string{"file"}},
	}, adapters)

	if err := registry.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		desc, _ := registry.Get(name)
		if desc.State() != StateDisconnected {
			t.Fatalf("adapter %s state = %s after shutdown", name, desc.State())
		}
	}
}
