package rerank

import (
	"slices"

	"github.com/orneryd/mosaicdb/pkg/storage"
)

// Claim-domain property names.
const (
	ApprovalStatusProperty  = "approvalStatus"
	LifecycleStatusProperty = "lifecycleStatus"
	StaleProperty           = "stale"
)

// ClaimPolicy decides which claim nodes survive FilterClaims.
type ClaimPolicy struct {
	RequireApproved         bool
	RequireActive           bool
	ExcludeStale            bool
	AllowedApprovalStatuses []string
}

// DefaultClaimPolicy admits approved or auto-approved, active, non-stale
// claims.
func DefaultClaimPolicy() ClaimPolicy {
	return ClaimPolicy{
		RequireApproved:         true,
		RequireActive:           true,
		ExcludeStale:            true,
		AllowedApprovalStatuses: []string{"auto", "approved"},
	}
}

// IsClaim reports whether props carry any claim-domain property.
func IsClaim(props map[string]storage.Value) bool {
	for _, k := range []string{ApprovalStatusProperty, LifecycleStatusProperty, StaleProperty} {
		if _, ok := props[k]; ok {
			return true
		}
	}
	return false
}

// Allows reports whether an entity passes every enabled rule. Entities
// without claim properties always pass.
func (p ClaimPolicy) Allows(props map[string]storage.Value) bool {
	if !IsClaim(props) {
		return true
	}
	if p.RequireApproved {
		status, _ := props[ApprovalStatusProperty].AsString()
		if !slices.Contains(p.AllowedApprovalStatuses, status) {
			return false
		}
	}
	if p.RequireActive {
		status, _ := props[LifecycleStatusProperty].AsString()
		if status != "active" {
			return false
		}
	}
	if p.ExcludeStale {
		if stale, _ := props[StaleProperty].AsBool(); stale {
			return false
		}
	}
	return true
}

// FilterClaims keeps the items whose properties pass policy, in order.
func FilterClaims(items []Item, policy ClaimPolicy) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if policy.Allows(it.Properties) {
			out = append(out, it)
		}
	}
	return out
}
