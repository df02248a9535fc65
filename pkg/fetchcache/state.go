package fetchcache

// KeyState describes where a key currently is in its fetch lifecycle.
// States loop back to a serving state after each FetchData call and
// reset to Idle on invalidation.
type KeyState int

const (
	StateIdle KeyState = iota
	StateLoading
	StateFresh
	StateCached
	StateFallback
	StateStaleCache
)

func (s KeyState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateFresh:
		return "fresh"
	case StateCached:
		return "cached"
	case StateFallback:
		return "fallback"
	case StateStaleCache:
		return "stale_cache"
	default:
		return "unknown"
	}
}

// Source records which tier produced a served value.
type Source int

const (
	SourceFresh Source = iota
	SourceCached
	SourceFallback
	SourceStale
)

func (s Source) String() string {
	switch s {
	case SourceFresh:
		return "fresh"
	case SourceCached:
		return "cached"
	case SourceFallback:
		return "fallback"
	case SourceStale:
		return "stale"
	default:
		return "unknown"
	}
}

func (s Source) state() KeyState {
	switch s {
	case SourceFresh:
		return StateFresh
	case SourceCached:
		return StateCached
	case SourceFallback:
		return StateFallback
	case SourceStale:
		return StateStaleCache
	default:
		return StateIdle
	}
}
