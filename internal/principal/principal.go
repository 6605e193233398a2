// Package principal resolves an authenticated caller's full scope into
// an omentypes.Principal, wrapping internal/apikey.Manager. Grounded on
// the same manager's CheckScope — generalized from a single
// endpoint-scope check into the richer per-request routing/budget scope
// spec §4.6/§3 requires (allowed providers, allowed models, rate/budget
// bucket refs), since a principal now carries enough to drive both the
// router's candidate filter and the usage admission layer.
package principal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/omen-gateway/omen/internal/apikey"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/store"
)

// Resolver turns a validated API key record into a routing/budget
// Principal.
type Resolver struct {
	keys *apikey.Manager
}

// New constructs a Resolver over the given key manager.
func New(keys *apikey.Manager) *Resolver {
	return &Resolver{keys: keys}
}

// Resolve validates the plaintext API key and builds its Principal.
// Scopes is a JSON array of strings; besides endpoint scopes ("chat",
// "embeddings"), tokens of the form "provider:<id>" and "model:<id>"
// narrow AllowedProviders/AllowedModels — an empty/absent set of either
// kind means "no restriction", per omentypes.Principal.AllowsProvider.
func (r *Resolver) Resolve(ctx context.Context, plaintextKey string) (omentypes.Principal, *store.APIKeyRecord, error) {
	rec, err := r.keys.Validate(ctx, plaintextKey)
	if err != nil {
		return omentypes.Principal{}, nil, fmt.Errorf("resolving principal: %w", err)
	}
	return FromRecord(rec), rec, nil
}

// FromRecord builds a Principal from an already-validated API key record,
// for callers (like apikey.AuthMiddleware) that resolved the record
// themselves and would otherwise pay a second bcrypt comparison calling
// Resolve.
func FromRecord(rec *store.APIKeyRecord) omentypes.Principal {
	p := omentypes.Principal{
		ID:              rec.ID,
		KeyFingerprint:  rec.KeyPrefix,
		BudgetBucketRef: rec.ID,
		RateBucketRef:   rec.ID,
	}

	var scopes []string
	_ = json.Unmarshal([]byte(rec.Scopes), &scopes)
	for _, s := range scopes {
		switch {
		case strings.HasPrefix(s, "provider:"):
			if p.AllowedProviders == nil {
				p.AllowedProviders = map[string]bool{}
			}
			p.AllowedProviders[strings.TrimPrefix(s, "provider:")] = true
		case strings.HasPrefix(s, "model:"):
			if p.AllowedModels == nil {
				p.AllowedModels = map[string]bool{}
			}
			p.AllowedModels[strings.TrimPrefix(s, "model:")] = true
		}
	}

	return p
}

// AnonymousPrincipal is used when no API key manager is configured
// (open gateway mode) — it allows every provider/model and shares one
// budget/rate bucket across all callers.
func AnonymousPrincipal() omentypes.Principal {
	return omentypes.Principal{ID: "anonymous", BudgetBucketRef: "anonymous", RateBucketRef: "anonymous"}
}
