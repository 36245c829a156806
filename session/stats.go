package session

import "time"

// Stats is the Session Manager's counters (§4.6 stats()), consolidating
// the spec's originally-conflicting CommandStats shapes into one flat
// struct (see DESIGN.md Open Question decision 1).
type Stats struct {
	Created           int
	Closed            int
	Expired           int
	Faulted           int
	CommandsProcessed int
	CommandsFailed    int
	CommandsCancelled int
	Uptime            time.Duration
}
