package session

// PickDefault chooses the session a caller gets when it names none: the
// earliest-connected session that currently holds control permission.
//
// This encodes a single-desktop-per-deployment assumption. With several
// desktops connected, callers that care which one they drive must pass an
// explicit session id; the relay does not route by user.
func PickDefault(r *Registry) (Snapshot, bool) {
	return first(r.List(HasPermission))
}

// PickAuthenticated chooses the target of a permission request that names
// no session: the earliest-connected authenticated session.
func PickAuthenticated(r *Registry) (Snapshot, bool) {
	return first(r.List(IsAuthenticated))
}

func first(snaps []Snapshot) (Snapshot, bool) {
	if len(snaps) == 0 {
		return Snapshot{}, false
	}
	return snaps[0], true
}
