package events

import "time"

// StoreWrite is emitted after a payload or an update is merged.
type StoreWrite struct {
	Owner    string
	Changed  int
	Records  int
	Err      error
	Duration time.Duration
}

// StoreNotify is emitted after subscriptions affected by a write were
// re-read.
type StoreNotify struct {
	Checked   int
	Delivered int
}

// StoreGC is emitted after a collection pass.
type StoreGC struct {
	Removed int
	Records int
}
