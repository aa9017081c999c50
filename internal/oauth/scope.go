package oauth

import (
	"context"
	"strings"

	"github.com/tendant/oauth2-engine/internal/domain"
	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/store"
)

// ScopeResolver turns a requested scope string into the granted scope set.
type ScopeResolver struct {
	repo         store.ScopeRepository
	defaultScope string
}

// NewScopeResolver creates a resolver. defaultScope is applied when a request
// names no scope; it may itself list several space-separated scopes.
func NewScopeResolver(repo store.ScopeRepository, defaultScope string) *ScopeResolver {
	return &ScopeResolver{repo: repo, defaultScope: defaultScope}
}

// SplitScopes splits a space-delimited scope parameter, dropping empty entries.
func SplitScopes(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, " ") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate looks up every requested scope. Unknown scopes yield invalid_scope
// naming the first offender.
func (r *ScopeResolver) Validate(ctx context.Context, raw, grantType, clientID string) (domain.ScopeSet, error) {
	ids := SplitScopes(raw)
	if len(ids) == 0 {
		ids = SplitScopes(r.defaultScope)
	}
	return r.Lookup(ctx, ids, grantType, clientID)
}

// Lookup resolves scope identifiers to scope entities.
func (r *ScopeResolver) Lookup(ctx context.Context, ids []string, grantType, clientID string) (domain.ScopeSet, error) {
	var set domain.ScopeSet
	for _, id := range ids {
		scope, err := r.repo.GetScope(ctx, id, grantType, clientID)
		if err != nil {
			return domain.ScopeSet{}, autherrors.ServerError(err)
		}
		if scope == nil {
			return domain.ScopeSet{}, autherrors.InvalidScope(id)
		}
		set.Add(*scope)
	}
	return set, nil
}

// Finalize hands the set to the repository's scope policy.
func (r *ScopeResolver) Finalize(ctx context.Context, scopes domain.ScopeSet, grantType string, client *domain.Client, userID string) (domain.ScopeSet, error) {
	final, err := r.repo.FinalizeScopes(ctx, scopes, grantType, client, userID)
	if err != nil {
		if _, ok := autherrors.As(err); ok {
			return domain.ScopeSet{}, err
		}
		return domain.ScopeSet{}, autherrors.ServerError(err)
	}
	return final, nil
}

// Resolve validates then finalizes.
func (r *ScopeResolver) Resolve(ctx context.Context, raw, grantType string, client *domain.Client, userID string) (domain.ScopeSet, error) {
	scopes, err := r.Validate(ctx, raw, grantType, client.ID)
	if err != nil {
		return domain.ScopeSet{}, err
	}
	return r.Finalize(ctx, scopes, grantType, client, userID)
}

// narrowScopes restricts original to the requested identifiers. Requesting a
// scope outside original is invalid_scope.
func narrowScopes(requested []string, original domain.ScopeSet) (domain.ScopeSet, error) {
	var set domain.ScopeSet
	for _, id := range requested {
		scope, ok := original.Get(id)
		if !ok {
			return domain.ScopeSet{}, autherrors.InvalidScope(id)
		}
		set.Add(scope)
	}
	return set, nil
}
