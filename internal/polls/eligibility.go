package polls

import "time"

const recentWindow = 24 * time.Hour

// IsVisible reports whether the question is published at the given instant.
// Future-dated questions are neither listable nor viewable.
func (q Question) IsVisible(now time.Time) bool {
	return !q.PubDate.After(now)
}

// CanVote reports whether voting is open at the given instant. A nil end date
// means the question never closes, regardless of the publish date. The
// boundary is closed: voting is still allowed at exactly the end date.
func (q Question) CanVote(now time.Time) bool {
	if q.EndDate == nil {
		return true
	}
	return !now.After(*q.EndDate)
}

// WasPublishedRecently reports whether the publish date falls within the last
// day. Future publish dates are not recent, which guards clock-skewed rows
// from being misreported.
func (q Question) WasPublishedRecently(now time.Time) bool {
	earliest := now.Add(-recentWindow)
	return !q.PubDate.Before(earliest) && !q.PubDate.After(now)
}
