// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// MisuseError reports a programmer error that this library treats as fatal:
// a bad call sequence, an out-of-range parameter, or an address that does
// not belong to any registered memory region. Cluster.Establish returns a
// MisuseError to its caller (no endpoint kind requested, a capacity
// exceeded, an invalid CQ-sharing table, a mismatched peer endpoint count)
// without terminating the process; misuse detected on the posting path
// (unaligned atomics, unmatched addresses, invalid peer ids) goes straight
// to fatal instead.
type MisuseError struct {
	Rank int
	Msg  string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("[node %d] %s", e.Rank, e.Msg)
}

// CompletionError reports a CQE observed with a non-success status. Like
// MisuseError, it is fatal: the transport is considered broken beyond
// recovery once a work request has been reported as failed.
type CompletionError struct {
	Rank   int
	Status int
	Detail string
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("[node %d] wc failure: %d (%s)", e.Rank, e.Status, e.Detail)
}

// DeviceError reports failure to open a device or create a verbs object
// during bring-up. Open and Cluster.Establish return it to the caller;
// the process is not terminated here.
type DeviceError struct {
	Msg string
	Err error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *DeviceError) Unwrap() error { return e.Err }

// BootstrapError reports failure of the external collective runtime: rank
// or size unavailable, a failed barrier, or a failed all-to-all exchange.
type BootstrapError struct {
	Msg string
	Err error
}

func (e *BootstrapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// fatal logs a one-line message in the "[node <rank>] <message>" form
// required for irrecoverable runtime faults and terminates the process. It
// is the choke point for the faults this package does not return to a
// caller: unmatched local/remote addresses, unaligned atomics, invalid
// peer ids, failed CQ polls and completions, and a failed Cluster.Sync.
func fatal(rank int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Error().Int("rank", rank).Msg(msg)
	fmt.Fprintf(os.Stderr, "[node %d] %s\n", rank, msg)
	os.Exit(1)
}
