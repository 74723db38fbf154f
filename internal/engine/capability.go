package engine

import (
	"context"

	gocache "github.com/patrickmn/go-cache"
)

// Optional protocol controls the engine can attach. Neither is ever
// assumed present; support is negotiated per server per run.
const (
	// ControlPermissiveModify relaxes modify strictness: duplicate adds
	// and missing deletes succeed.
	ControlPermissiveModify = "1.2.840.113556.1.4.1413"

	// ControlNoOperation makes the server evaluate an update without
	// applying it.
	ControlNoOperation = "1.3.6.1.4.1.4203.1.10.2"
)

// Negotiator answers "does this server support control X", memoized per
// (server, OID) for the lifetime of one bulk run. The answer is never
// re-queried mid-run even though it could theoretically change; a run
// is short and the staleness window is accepted.
type Negotiator struct {
	cache *gocache.Cache
}

// NewNegotiator creates a negotiator with an empty cache. Create one
// per bulk run.
func NewNegotiator() *Negotiator {
	return &Negotiator{cache: gocache.New(gocache.NoExpiration, 0)}
}

// Supports reports whether the server advertises the control OID.
func (n *Negotiator) Supports(ctx context.Context, target *ServerTarget, oid string) (bool, error) {
	key := target.Name + "\x00" + oid
	if v, ok := n.cache.Get(key); ok {
		return v.(bool), nil
	}

	supported, err := target.Client.SupportsControl(ctx, oid)
	if err != nil {
		return false, &ProtocolError{Server: target.Name, Cause: err}
	}

	n.cache.Set(key, supported, gocache.NoExpiration)
	return supported, nil
}

// Require returns an UnsupportedControlError when the caller insisted
// on a control the server does not advertise.
func (n *Negotiator) Require(ctx context.Context, target *ServerTarget, oid string) error {
	supported, err := n.Supports(ctx, target, oid)
	if err != nil {
		return err
	}
	if !supported {
		return &UnsupportedControlError{Server: target.Name, OID: oid}
	}
	return nil
}
