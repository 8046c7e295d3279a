package permission

// Lease is proof of a single grant. It goes stale once the permission is
// released, even if the same requester seizes it again later.
type Lease struct {
	m         *Manager
	kind      Kind
	requester Requester
	grant     uint64
}

// Kind returns the permission this lease was granted for.
func (l *Lease) Kind() Kind { return l.kind }

// Requester returns the holder named by this lease.
func (l *Lease) Requester() Requester { return l.requester }

// Held reports whether the grant is still live.
func (l *Lease) Held() bool {
	return l != nil && l.m.held(l.kind, l.grant)
}

// HoldsStaging lets a Staging lease start a staging cycle.
func (l *Lease) HoldsStaging() bool {
	return l.kind == Staging && l.Held()
}

// Release gives the permission back if this lease still owns it.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.m.releaseGrant(l.kind, l.grant)
}

// LoadLease holds Staging and Modification together.
type LoadLease struct {
	Stage *Lease
	Mod   *Lease
}

// Held reports whether both halves are still live.
func (l *LoadLease) Held() bool {
	return l.Stage.Held() && l.Mod.Held()
}

// HoldsStaging lets a load lease start a staging cycle.
func (l *LoadLease) HoldsStaging() bool {
	return l.Stage.HoldsStaging()
}

// Release frees Modification first, then Staging.
func (l *LoadLease) Release() {
	if l == nil {
		return
	}
	l.Mod.Release()
	l.Stage.Release()
}
