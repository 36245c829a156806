package batch

import "fmt"

// SplitError reports that a single member's markers could not be located
// in the batch's combined output (§4.4: "a batch split failure isolates to
// the one member, the rest of the batch is unaffected").
type SplitError struct {
	CommandID string
}

func (e *SplitError) Error() string {
	return fmt.Sprintf("batch: could not locate output markers for command %s", e.CommandID)
}

// QueueState reports the terminal queue state a split failure implies.
func (e *SplitError) QueueState() string { return "Failed" }
