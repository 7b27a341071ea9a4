// Package identity defines the identity provider contract spec §6 names
// as an external collaborator ("Identity and role resolution... never
// mutated by this core", spec §1 Non-goals). This package ships the
// interface only; no implementation, since role resolution is explicitly
// out of scope for this module. Callers wire a real provider (an SSO
// client, an internal directory service) at the composition root and
// hand a reqctx.RequestContext built from its result down into the
// engines — nothing in this core constructs a RequestContext itself.
package identity

import "context"

// Provider resolves the roles a principal holds within a tenant/realm.
// Implementations live outside this module; this core only ever consumes
// the result through a reqctx.RequestContext already populated by the
// caller (spec §6 "Request Context (consumed)").
type Provider interface {
	// RolesFor returns the roles principal holds in (tenantID, realmID).
	// Implementations own their own caching/TTL; this core calls it once
	// per inbound request, never in a hot evaluation loop.
	RolesFor(ctx context.Context, tenantID, realmID, principalID string) ([]string, error)
}
