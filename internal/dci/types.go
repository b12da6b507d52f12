package dci

import (
	"fmt"
	"time"
)

// Record is one unit of upstream data, a DCI job as returned by the
// control server. Fields every job carries are lifted out of the
// payload; the payload keeps the full document.
type Record struct {
	ID        string
	UpdatedAt time.Time
	Payload   map[string]any
}

// Position is the resumption token for a feed: the source timestamp
// and identifier of the last durably ingested record. A zero Position
// means the feed has never been synchronized.
type Position struct {
	Since   time.Time
	AfterID string
}

// Covers reports whether the record at (ts, id) is at or before the
// position, meaning it has already been ingested.
func (p Position) Covers(ts time.Time, id string) bool {
	if ts.Before(p.Since) {
		return true
	}
	if ts.Equal(p.Since) {
		return id <= p.AfterID
	}
	return false
}

// AuthError is returned when the control server rejects the
// configured credentials. It is never retried.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("dci: authentication rejected (status %d)", e.Status)
}

// HTTPStatusError is returned for a non-retryable unexpected status.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("dci: unexpected http status %d: %s", e.Status, e.Body)
}

// jobsPage is the wire shape of one page of the jobs listing.
type jobsPage struct {
	Jobs []map[string]any `json:"jobs"`
	Meta struct {
		Count int `json:"count"`
	} `json:"_meta"`
}
