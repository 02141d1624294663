package registry

import "time"

// DeviceToken is one registered push target: a single (user, device token)
// pair plus the targeting metadata used for broadcast fan-out.
//
// Uniqueness is on TokenString. A device that re-registers under a new
// user takes the row with it: ownership moves, the old owner stops
// receiving on that token.
type DeviceToken struct {
	ID          string
	UserID      string
	TokenString string
	Role        string
	CollegeID   string
	Topics      []string
	Active      bool
	LastUsedAt  time.Time
	CreatedAt   time.Time
}

// Meta carries the optional device metadata supplied at registration.
type Meta struct {
	Role      string
	CollegeID string
	Topics    []string
}

// Filter selects active tokens for fan-out. Exactly one targeting shape
// is expected: UserID alone, CollegeID (optionally narrowed by Role), or
// Role alone for a cross-college broadcast.
type Filter struct {
	UserID    string
	CollegeID string
	Role      string
}

// Empty reports whether no targeting field is set.
func (f Filter) Empty() bool {
	return f.UserID == "" && f.CollegeID == "" && f.Role == ""
}
