// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoteWithinAcceptsFullAndSubRange(t *testing.T) {
	m := mrExchange{Addr: 2000, Len: 200, Rkey: 7}
	require.True(t, remoteWithin(m, 2000, 200), "expected full range to match")
	require.True(t, remoteWithin(m, 2100, 50), "expected sub-range to match")
}

func TestRemoteWithinRejectsOutOfRange(t *testing.T) {
	m := mrExchange{Addr: 2000, Len: 200, Rkey: 7}
	require.False(t, remoteWithin(m, 1999, 200), "expected range starting before the MR to be rejected")
	require.False(t, remoteWithin(m, 2150, 51), "expected range extending past the MR to be rejected")
}

func TestRemoteWithinRejectsZeroEntry(t *testing.T) {
	require.False(t, remoteWithin(mrExchange{}, 0, 1), "expected a zeroed table entry never to match")
}
