// Package idempotency derives the deterministic keys sent with every gateway
// call that moves money.
//
// A key is a pure function of (transaction id, operation, milestone index,
// schema version). A retry of the same logical operation therefore always
// reuses the same key and the gateway collapses duplicates into one effect.
// Keys never embed time or randomness.
package idempotency

import (
	"fmt"
	"strings"
)

// Operation is the kind of gateway call a key protects.
type Operation string

const (
	OpPaymentIntent    Operation = "payment_intent"
	OpRelease          Operation = "release"
	OpMilestoneRelease Operation = "milestone_release"
	OpRefund           Operation = "refund"
)

// schemaVersions is bumped per operation whenever the parameter shape sent to
// the gateway changes. Old keys then stop matching, which avoids the gateway's
// "key reused with different parameters" rejection.
var schemaVersions = map[Operation]int{
	OpPaymentIntent:    1,
	OpRelease:          2,
	OpMilestoneRelease: 2,
	OpRefund:           1,
}

const prefix = "rift"

// Version returns the current schema version for op.
func Version(op Operation) int {
	if v, ok := schemaVersions[op]; ok {
		return v
	}
	return 1
}

// Key returns the key for a whole-transaction operation.
func Key(transactionID string, op Operation) string {
	return KeyWithVersion(transactionID, op, nil, Version(op))
}

// MilestoneKey returns the key for a per-milestone operation.
func MilestoneKey(transactionID string, op Operation, index int) string {
	return KeyWithVersion(transactionID, op, &index, Version(op))
}

// KeyWithVersion is the underlying constructor; milestoneIndex may be nil.
func KeyWithVersion(transactionID string, op Operation, milestoneIndex *int, version int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:v%d:%s:%s", prefix, version, op, transactionID)
	if milestoneIndex != nil {
		fmt.Fprintf(&b, ":m%d", *milestoneIndex)
	}
	return b.String()
}
