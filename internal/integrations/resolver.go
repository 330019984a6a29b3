package integrations

import "context"

// RemoteLookup is the read side of Store used for identity resolution.
type RemoteLookup interface {
	FindByRemoteUserID(ctx context.Context, remoteUserID string) (Record, error)
}

// Resolver maps provider user ids to local athletes. It is the only place
// that decides whether an inbound event belongs to us.
type Resolver struct {
	lookup RemoteLookup
}

// NewResolver builds a Resolver over lookup.
func NewResolver(lookup RemoteLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the record bound to remoteUserID or ErrNotFound. Misses are
// routine (for example after deregistration) and are not logged here.
func (r *Resolver) Resolve(ctx context.Context, remoteUserID string) (Record, error) {
	if NormalizeRemoteUserID(remoteUserID) == "" {
		return Record{}, ErrNotFound
	}
	return r.lookup.FindByRemoteUserID(ctx, remoteUserID)
}
