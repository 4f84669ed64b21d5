package engine

import "time"

// Record is one notable thing that happened during a wake.
type Record struct {
	At          time.Time      `json:"at"`
	Description string         `json:"description"`
	Category    string         `json:"category"` // "election", "event", "retry", "lease"
	Meta        map[string]any `json:"meta,omitempty"`
}

// WakeReport summarizes one wake. It is journaled after every wake and served
// by the status endpoint.
type WakeReport struct {
	At       time.Time `json:"at"`
	Holder   string    `json:"holder"`
	Skipped  bool      `json:"skipped"`  // lease held by another instance
	Rollover bool      `json:"rollover"` // weekly election boundary

	ElectionsCreated   int `json:"elections_created"`
	ElectionsDuplicate int `json:"elections_duplicate"`
	ElectionsClosed    int `json:"elections_closed"`
	ElectionsNoQuorum  int `json:"elections_no_quorum"`
	ElectionsFailed    int `json:"elections_failed"`

	EventsResolved int            `json:"events_resolved"`
	EventsRetried  int            `json:"events_retried"`
	EventsByType   map[string]int `json:"events_by_type,omitempty"`

	Records  []Record      `json:"records,omitempty"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r *WakeReport) emit(rec Record) {
	if rec.At.IsZero() {
		rec.At = r.At
	}
	r.Records = append(r.Records, rec)
}

func (r *WakeReport) fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}
