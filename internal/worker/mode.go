// Package worker contains the consumer loop and the attempt executor: it
// pulls entries off a stream, drives each through render and send, and
// settles the outcome against the side-band state.
package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/formrelay/formrelay/internal/sidestate"
)

// Mode binds the loop to one of the two queues. The primary consumer
// drains fresh submissions sequentially; the retrier drains the retry
// stream with per-entry delays running concurrently.
type Mode struct {
	Name     string
	Stream   string
	Group    string
	Consumer string

	// ReclaimMinIdle is the idle threshold for claiming entries another
	// consumer delivered but never acknowledged.
	ReclaimMinIdle time.Duration

	// Concurrent dispatches each entry on its own goroutine after its
	// scheduled delay.
	Concurrent bool
}

// Primary is the default mode: the "messages" stream, sequential
// dispatch, and a 5 minute reclaim threshold.
func Primary() Mode {
	return Mode{
		Name:           "primary",
		Stream:         sidestate.StreamPrimary,
		Group:          "mailer-group",
		Consumer:       fmt.Sprintf("mailer-%d", os.Getpid()),
		ReclaimMinIdle: 5 * time.Minute,
	}
}

// Retry is the retrier mode: the "retry_queue" stream, concurrent delayed
// dispatch, and a 90 minute reclaim threshold sized to outlast the longest
// scheduled delay.
func Retry() Mode {
	return Mode{
		Name:           "retry",
		Stream:         sidestate.StreamRetry,
		Group:          "retrier-group",
		Consumer:       fmt.Sprintf("retrier-%d", os.Getpid()),
		ReclaimMinIdle: 90 * time.Minute,
		Concurrent:     true,
	}
}
