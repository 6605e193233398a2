package router

import (
	"context"
	"testing"
	"time"

	"github.com/omen-gateway/omen/internal/events"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
	"github.com/omen-gateway/omen/internal/registry"
	"github.com/omen-gateway/omen/internal/session"
)

func newSessionStoreForTest(t *testing.T) *session.Store {
	t.Helper()
	s := session.New(10 * time.Minute)
	t.Cleanup(s.Stop)
	return s
}

// fakeAdapter is a minimal providers.Adapter double that only ever needs
// to be registered and scored — it never actually sends anything in these
// tests, since Select never dispatches.
type fakeAdapter struct {
	id     string
	models []omentypes.ModelDescriptor
}

func (a *fakeAdapter) ID() string { return a.id }
func (a *fakeAdapter) Capabilities() omentypes.CapabilitySet {
	return omentypes.CapabilitySet(omentypes.CapChat | omentypes.CapStreaming)
}
func (a *fakeAdapter) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return a.models, nil
}
func (a *fakeAdapter) HealthProbe(ctx context.Context) (providers.HealthResult, error) {
	return providers.HealthResult{Healthy: true}, nil
}
func (a *fakeAdapter) Send(ctx context.Context, modelID string, req *omentypes.ChatRequest) (*providers.ChatResult, error) {
	return &providers.ChatResult{Content: "ok"}, nil
}
func (a *fakeAdapter) SendStream(ctx context.Context, modelID string, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	ch := make(chan omentypes.StreamEvent)
	close(ch)
	return ch, nil
}
func (a *fakeAdapter) ClassifyError(err error) providers.ClassifiedError {
	return providers.ClassifiedError{Class: providers.ErrProviderFatal, Cause: err}
}

func newTestRegistry(t *testing.T, adapters ...*fakeAdapter) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), nil, events.NewBus())
	for _, a := range adapters {
		reg.Register(context.Background(), a)
	}
	return reg
}

func chatRequestFor(model string, caps ...bool) *omentypes.ChatRequest {
	return &omentypes.ChatRequest{
		Model:    model,
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}}},
	}
}

func cheapModel(provider, id string, capSet omentypes.CapabilitySet) omentypes.ModelDescriptor {
	return omentypes.ModelDescriptor{ProviderID: provider, ModelID: id, Capabilities: capSet, CostInPer1K: 0.001, CostOutPer1K: 0.002, ContextTokens: 8192}
}

func chatCaps() omentypes.CapabilitySet {
	return omentypes.CapabilitySet(omentypes.CapChat)
}

func TestSelectOrdersByScore(t *testing.T) {
	a := &fakeAdapter{id: "cheap", models: []omentypes.ModelDescriptor{cheapModel("cheap", "m1", chatCaps())}}
	b := &fakeAdapter{id: "pricey", models: []omentypes.ModelDescriptor{
		{ProviderID: "pricey", ModelID: "m1", Capabilities: chatCaps(), CostInPer1K: 5, CostOutPer1K: 5},
	}}
	reg := newTestRegistry(t, a, b)
	rt := New(DefaultConfig(), reg, nil, nil)

	req := chatRequestFor("auto")
	got, err := rt.Select(context.Background(), req, omentypes.Principal{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected single-strategy default to return 1 candidate, got %d", len(got))
	}
	if got[0].ProviderID != "cheap" {
		t.Errorf("expected the cheaper provider to win on score, got %q", got[0].ProviderID)
	}
}

func TestSelectFiltersMissingCapability(t *testing.T) {
	a := &fakeAdapter{id: "textonly", models: []omentypes.ModelDescriptor{cheapModel("textonly", "m1", chatCaps())}}
	reg := newTestRegistry(t, a)
	rt := New(DefaultConfig(), reg, nil, nil)

	req := &omentypes.ChatRequest{
		Model: "auto",
		Messages: []omentypes.Message{{
			Role: omentypes.RoleUser,
			Content: omentypes.MessageContent{Parts: []omentypes.ContentPart{
				{Type: "image_url", ImageURL: &omentypes.ImageURLPart{URL: "https://example.com/x.png"}},
			}},
		}},
	}
	_, err := rt.Select(context.Background(), req, omentypes.Principal{})
	if err == nil {
		t.Fatal("expected NoEligibleProviderError for a vision request against a text-only model")
	}
	var noElig *NoEligibleProviderError
	if e, ok := err.(*NoEligibleProviderError); ok {
		noElig = e
	} else {
		t.Fatalf("expected *NoEligibleProviderError, got %T", err)
	}
	if len(noElig.Eliminated) == 0 {
		t.Error("expected elimination reasons to be recorded")
	}
}

func TestSelectRejectsOutsidePrincipalScope(t *testing.T) {
	a := &fakeAdapter{id: "restricted", models: []omentypes.ModelDescriptor{cheapModel("restricted", "m1", chatCaps())}}
	reg := newTestRegistry(t, a)
	rt := New(DefaultConfig(), reg, nil, nil)

	principal := omentypes.Principal{AllowedProviders: map[string]bool{"other": true}}
	_, err := rt.Select(context.Background(), chatRequestFor("auto"), principal)
	if err == nil {
		t.Fatal("expected error when the only provider is outside the principal's scope")
	}
}

func TestSelectBudgetExceededWhenHintCapTooLow(t *testing.T) {
	a := &fakeAdapter{id: "p1", models: []omentypes.ModelDescriptor{cheapModel("p1", "m1", chatCaps())}}
	reg := newTestRegistry(t, a)
	rt := New(DefaultConfig(), reg, nil, nil)

	tiny := 0.0000001
	req := chatRequestFor("auto")
	req.Hint = omentypes.RoutingHint{BudgetUSD: &tiny}
	_, err := rt.Select(context.Background(), req, omentypes.Principal{})
	if err == nil {
		t.Fatal("expected an error for an unaffordable budget hint")
	}
	if _, ok := err.(*BudgetExceededError); !ok {
		t.Fatalf("expected *BudgetExceededError, got %T (%v)", err, err)
	}
}

func TestSelectNoEligibleProviderWhenModelUnknown(t *testing.T) {
	a := &fakeAdapter{id: "p1", models: []omentypes.ModelDescriptor{cheapModel("p1", "m1", chatCaps())}}
	reg := newTestRegistry(t, a)
	rt := New(DefaultConfig(), reg, nil, nil)

	req := chatRequestFor("does-not-exist")
	_, err := rt.Select(context.Background(), req, omentypes.Principal{})
	if _, ok := err.(*NoEligibleProviderError); !ok {
		t.Fatalf("expected *NoEligibleProviderError for an unmatched model id, got %T (%v)", err, err)
	}
}

func TestResolveModelNarrowsByQualifiedID(t *testing.T) {
	pool := []omentypes.ModelDescriptor{
		{ProviderID: "a", ModelID: "gpt-4"},
		{ProviderID: "b", ModelID: "gpt-4"},
	}
	got := resolveModel(pool, "a/gpt-4")
	if len(got) != 1 || got[0].ProviderID != "a" {
		t.Fatalf("expected qualified id to narrow to provider a, got %+v", got)
	}
}

func TestResolveModelNarrowsByBareID(t *testing.T) {
	pool := []omentypes.ModelDescriptor{
		{ProviderID: "a", ModelID: "gpt-4"},
		{ProviderID: "b", ModelID: "gpt-4"},
		{ProviderID: "c", ModelID: "other"},
	}
	got := resolveModel(pool, "gpt-4")
	if len(got) != 2 {
		t.Fatalf("expected bare model id to match every offering provider, got %d", len(got))
	}
}

func TestResolveModelAutoReturnsEverything(t *testing.T) {
	pool := []omentypes.ModelDescriptor{{ProviderID: "a", ModelID: "x"}}
	if got := resolveModel(pool, "auto"); len(got) != 1 {
		t.Errorf("expected auto to return the full pool, got %d", len(got))
	}
	if got := resolveModel(pool, ""); len(got) != 1 {
		t.Errorf("expected empty model id to return the full pool, got %d", len(got))
	}
}

func TestSelectHonorsSessionStickiness(t *testing.T) {
	a := &fakeAdapter{id: "sticky-target", models: []omentypes.ModelDescriptor{
		{ProviderID: "sticky-target", ModelID: "m1", Capabilities: chatCaps(), CostInPer1K: 5, CostOutPer1K: 5},
	}}
	b := &fakeAdapter{id: "cheaper", models: []omentypes.ModelDescriptor{cheapModel("cheaper", "m1", chatCaps())}}
	reg := newTestRegistry(t, a, b)

	sessions := newSessionStoreForTest(t)
	rt := New(DefaultConfig(), reg, sessions, nil)

	req := chatRequestFor("auto")
	req.SessionID = "sess-1"
	req.Hint = omentypes.RoutingHint{Stickiness: omentypes.StickinessSession}

	rt.RecordStickiness(req, "sticky-target", "m1")

	got, err := rt.Select(context.Background(), req, omentypes.Principal{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].ProviderID != "sticky-target" {
		t.Errorf("expected sticky provider to be promoted to the front despite worse score, got %q", got[0].ProviderID)
	}
}

func TestEstimateCostScalesWithMessageLength(t *testing.T) {
	m := omentypes.ModelDescriptor{CostInPer1K: 1, CostOutPer1K: 1}
	short := &omentypes.ChatRequest{Messages: []omentypes.Message{{Content: omentypes.MessageContent{Text: "hi"}}}}
	long := &omentypes.ChatRequest{Messages: []omentypes.Message{{Content: omentypes.MessageContent{Text: string(make([]byte, 4000))}}}}

	shortCost := EstimateCost(short, m, 100)
	longCost := EstimateCost(long, m, 100)
	if longCost <= shortCost {
		t.Errorf("expected a longer prompt to project a higher cost: short=%v long=%v", shortCost, longCost)
	}
}
