package netstack

import "time"

// Tunable constants, matching the stack's documented defaults. These are
// unexported because nothing in this module varies them at runtime; a
// caller wanting different values is better served by a different Stack
// instance.
const (
	ephemeralPortBase = 49152

	defaultTCPMSS      = 536
	maxReceiveWindow   = 0xffff
	maxRetries         = 5 // response-timer retries before giving up
	maxDelayedACKs     = 5

	retransmitInterval = 1000 * time.Millisecond
	maxACKDelay        = 500 * time.Millisecond
	responseTimeout    = 3000 * time.Millisecond
	timeWaitTimeout    = 5000 * time.Millisecond
)
