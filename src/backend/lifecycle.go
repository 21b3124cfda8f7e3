package backend

import "github.com/flotilla-io/flotilla/src/types"

// ShouldApply is the status application rule: an incoming report is applied
// only when strictly greater than the stored status in lifecycle order.
// Duplicates and out-of-order deliveries are therefore no-ops, and replaying
// any set of reports in any order converges to the same final state.
func ShouldApply(current, incoming types.BackendStatus) bool {
	return incoming > current
}
