package httpapi

import (
	"context"
	"time"

	"github.com/omen-gateway/omen/internal/cache"
	"github.com/omen-gateway/omen/internal/gateway"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
	"github.com/omen-gateway/omen/internal/registry"
	"github.com/omen-gateway/omen/internal/router"
	"github.com/omen-gateway/omen/internal/session"
	"github.com/omen-gateway/omen/internal/store"
	"github.com/omen-gateway/omen/internal/usage"
)

// fakeAdapter is a scripted providers.Adapter used across httpapi tests so
// each test exercises the real gateway/router pipeline instead of a
// hand-rolled stand-in.
type fakeAdapter struct {
	id       string
	models   []omentypes.ModelDescriptor
	content  string
	usage    omentypes.Usage
	sendErr  error
	streamFn func(ctx context.Context, modelID string, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error)
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Capabilities() omentypes.CapabilitySet {
	return omentypes.CapabilitySet(omentypes.CapChat | omentypes.CapStreaming)
}

func (f *fakeAdapter) ListModels(context.Context) ([]omentypes.ModelDescriptor, error) {
	return f.models, nil
}

func (f *fakeAdapter) HealthProbe(context.Context) (providers.HealthResult, error) {
	return providers.HealthResult{Healthy: true, LastLatencyMs: 10}, nil
}

func (f *fakeAdapter) Send(_ context.Context, modelID string, _ *omentypes.ChatRequest) (*providers.ChatResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &providers.ChatResult{Content: f.content, Usage: f.usage}, nil
}

func (f *fakeAdapter) SendStream(ctx context.Context, modelID string, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	if f.streamFn != nil {
		return f.streamFn(ctx, modelID, req)
	}
	ch := make(chan omentypes.StreamEvent, 4)
	go func() {
		defer close(ch)
		ch <- omentypes.StreamEvent{Kind: omentypes.EventDelta, Role: omentypes.RoleAssistant, Text: f.content}
		ch <- omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: omentypes.FinishStop, Usage: &f.usage}
	}()
	return ch, nil
}

func (f *fakeAdapter) ClassifyError(err error) providers.ClassifiedError {
	return providers.ClassifiedError{Class: providers.ErrProviderFatal, Cause: err}
}

// newTestGateway wires a Gateway over a fresh in-memory registry/router
// stack with a single fake provider/model registered, mirroring how
// internal/app.NewServer wires the real one.
func newTestGateway(t testHelper, a *fakeAdapter) *gateway.Gateway {
	reg := registry.New(registry.DefaultConfig(), nil, nil)
	if a != nil {
		reg.Register(context.Background(), a)
	}

	sessions := session.New(10 * time.Minute)
	bandit := router.NewThompsonSampler()
	rt := router.New(router.Config{
		Weights:          router.Weights{Health: 0.4, Latency: 0.3, Cost: 0.2, Reliability: 0.1},
		StickySessionTTL: 10 * time.Minute,
		StickyTurnTTL:    2 * time.Minute,
		DefaultMaxTokens: 1024,
	}, reg, sessions, bandit)

	adm := usage.NewAdmission(usage.NewMemCounterStore(), func(omentypes.Principal) usage.Limits {
		l := usage.DefaultLimits()
		l.RequestsPerSecond = 1000
		l.RequestsPerHour = 100000
		return l
	})

	c := cache.New(time.Minute, 100)
	return gateway.New(reg, rt, adm, c, sessions, bandit, false)
}

// testHelper is the subset of *testing.T newTestGateway needs, so it can
// be called from table-driven subtests without importing "testing" here.
type testHelper interface {
	Helper()
}

func newTestStore(t interface {
	Helper()
	Fatalf(string, ...any)
}) store.Store {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("store.NewSQLite: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("store.Migrate: %v", err)
	}
	return s
}
