// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithinAcceptsFullRange(t *testing.T) {
	m := registeredMR{addr: 1000, size: 100}
	require.True(t, within(m, 1000, 100), "expected full range to match")
	require.True(t, within(m, 1050, 50), "expected sub-range to match")
}

func TestWithinRejectsOutOfRange(t *testing.T) {
	m := registeredMR{addr: 1000, size: 100}
	require.False(t, within(m, 999, 100), "expected range starting before the MR to be rejected")
	require.False(t, within(m, 1050, 51), "expected range extending past the MR to be rejected")
}

func TestWithinRejectsEmptySlot(t *testing.T) {
	require.False(t, within(registeredMR{}, 0, 1), "expected an empty slot never to match")
}
