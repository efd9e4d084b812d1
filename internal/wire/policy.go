package wire

import "time"

// ClearHistoryPolicy selects when a history is cleared before appending
// an incoming sample.
type ClearHistoryPolicy int

const (
	// ClearNever never clears retained history.
	ClearNever ClearHistoryPolicy = iota
	// ClearOnAdd clears on an incoming Add, keeping only the current
	// instance's samples. This is the default when nothing else is
	// configured.
	ClearOnAdd
	// ClearOnRemove clears on an incoming Remove.
	ClearOnRemove
	// ClearOnAll clears on every incoming event, PartialUpdate included:
	// the retained history is always exactly the latest sample.
	ClearOnAll
	// ClearOnAllExceptPartialUpdate clears on Add, Update or Remove, never
	// on PartialUpdate: the retained history is the latest full value plus
	// the partial updates applied to it since.
	ClearOnAllExceptPartialUpdate
)

func (p ClearHistoryPolicy) String() string {
	switch p {
	case ClearNever:
		return "Never"
	case ClearOnAdd:
		return "OnAdd"
	case ClearOnRemove:
		return "OnRemove"
	case ClearOnAll:
		return "OnAll"
	case ClearOnAllExceptPartialUpdate:
		return "OnAllExceptPartialUpdate"
	default:
		return "Unknown"
	}
}

// TriggersOn reports whether the policy clears history given an incoming
// event. ClearOnAll is the one policy a PartialUpdate clears under; every
// other policy ignores partial updates, which only ever make sense against
// the retained state they patch.
func (p ClearHistoryPolicy) TriggersOn(e Event) bool {
	switch p {
	case ClearNever:
		return false
	case ClearOnAdd:
		return e == Add
	case ClearOnRemove:
		return e == Remove
	case ClearOnAll:
		return true
	case ClearOnAllExceptPartialUpdate:
		return e != PartialUpdate
	default:
		return false
	}
}

// RetentionPolicy is a fully-resolved (no inherited fields) retention
// setting, used internally by a history ring. MaxCount < 0 means unbounded.
type RetentionPolicy struct {
	MaxCount     int
	MaxAgeMs     int64
	ClearHistory ClearHistoryPolicy
}

// DefaultRetentionPolicy is the topic-level default absent any reader or
// writer override: unbounded count, no age limit, clear history on Add.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{MaxCount: -1, MaxAgeMs: 0, ClearHistory: ClearOnAdd}
}

// Unbounded reports whether the policy keeps every retained sample.
func (p RetentionPolicy) Unbounded() bool {
	return p.MaxCount < 0
}

// MaxAge returns the age cutoff as a time.Duration, or 0 if unset.
func (p RetentionPolicy) MaxAge() time.Duration {
	if p.MaxAgeMs <= 0 {
		return 0
	}
	return time.Duration(p.MaxAgeMs) * time.Millisecond
}

// RetentionOverride is the per-reader/per-writer override layer: a nil
// field inherits the topic's default.
type RetentionOverride struct {
	MaxCount     *int
	MaxAgeMs     *int64
	ClearHistory *ClearHistoryPolicy
}

// Resolve layers an override on top of a topic default, producing a fully
// resolved RetentionPolicy.
func (o RetentionOverride) Resolve(topicDefault RetentionPolicy) RetentionPolicy {
	eff := topicDefault
	if o.MaxCount != nil {
		eff.MaxCount = *o.MaxCount
	}
	if o.MaxAgeMs != nil {
		eff.MaxAgeMs = *o.MaxAgeMs
	}
	if o.ClearHistory != nil {
		eff.ClearHistory = *o.ClearHistory
	}
	return eff
}

// ReaderConfig is the consumer-side override plus the lifetime filter, one
// per attached reader.
type ReaderConfig struct {
	RetentionOverride
	// SampleLifetimeMs suppresses samples older than now-SampleLifetimeMs
	// at the time they would be delivered as unread. Zero means no
	// filter.
	SampleLifetimeMs int64
}

// SampleLifetime returns the lifetime filter as a time.Duration, or 0 if
// unset.
func (c ReaderConfig) SampleLifetime() time.Duration {
	if c.SampleLifetimeMs <= 0 {
		return 0
	}
	return time.Duration(c.SampleLifetimeMs) * time.Millisecond
}

// ReaderConfigWithSampleCount is shorthand for a config that only caps
// the retained sample count.
func ReaderConfigWithSampleCount(n int) ReaderConfig {
	return ReaderConfig{RetentionOverride: RetentionOverride{MaxCount: &n}}
}

// WriterConfig is the producer-side override, one per topic writer.
type WriterConfig struct {
	RetentionOverride
}
