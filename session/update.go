package session

// Update is a partial mutation of the active session. Nil fields are left
// untouched; the merge is shallow.
type Update struct {
	// Progress sets overall progress (clamped to 0..100, never decreasing).
	Progress *int

	// Paused flips the paused flag.
	Paused *bool

	// Completed marks the session completed. Prefer CompleteSession, which
	// also archives; this exists for callers replaying remote state.
	Completed *bool

	// EventID attaches or changes the event identifier.
	EventID *string

	// Metrics are shallow-merged into the session's metrics map.
	Metrics map[string]float64

	// Sub replaces the type-specific sub-state. Its kind must match the
	// session's kind.
	Sub SubState
}

// Significant reports whether the update touches a field whose change must be
// broadcast (pause, completion, overall progress). Other fields ride along
// with the next emitted update.
func (u Update) Significant() bool {
	return u.Progress != nil || u.Paused != nil || u.Completed != nil
}
