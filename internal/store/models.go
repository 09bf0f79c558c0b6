package store

import (
	"strings"
	"time"
)

// Status represents the delivery lifecycle of a spooled asset.
type Status string

const (
	// StatusPending marks an asset awaiting delivery.
	StatusPending Status = "pending"
	// StatusUploading marks an asset reserved by an in-flight drain cycle.
	StatusUploading Status = "uploading"
	// StatusUploaded marks a delivered asset; ServerID is set.
	StatusUploaded Status = "uploaded"
	// StatusFailed marks an asset that exhausted its retries. Terminal until
	// an explicit reset.
	StatusFailed Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusUploading,
	StatusUploaded,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Asset is one captured image spooled for delivery.
//
// The sync engine owns Status, Retries, ServerID, and ErrorMessage. The
// remaining fields are capture metadata carried through unchanged.
type Asset struct {
	ID           int64
	Status       Status
	Retries      int
	PayloadPath  string
	ContentType  string
	ServerID     string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	SizeBytes    int64
	Latitude     *float64
	Longitude    *float64
	Category     string
	Owner        string
}

// NewAsset carries the caller-supplied fields for Insert.
type NewAsset struct {
	PayloadPath string
	ContentType string
	SizeBytes   int64
	Latitude    *float64
	Longitude   *float64
	Category    string
	Owner       string
}

// Delivered reports whether the asset reached the remote endpoint.
func (a Asset) Delivered() bool {
	return a.Status == StatusUploaded
}

// Metrics is a derived projection of queue state, recomputed from the
// database on demand. Never a source of truth.
type Metrics struct {
	Total            int
	Pending          int
	Uploading        int
	Uploaded         int
	Failed           int
	TotalRetries     int
	OldestPendingAge time.Duration
	ErrorRate        float64
}
