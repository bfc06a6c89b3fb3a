// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldMaskByteAligned(t *testing.T) {
	// bits [15:8] is the second byte.
	require.Equal(t, uint64(0xFF00), fieldMask(15, 8))
}

func TestFieldMaskSingleBit(t *testing.T) {
	require.Equal(t, uint64(0x8), fieldMask(3, 3))
}

func TestFieldMaskFullWidth(t *testing.T) {
	require.Equal(t, ^uint64(0), fieldMask(63, 0))
}

func TestFieldFAAParamsShiftsAddAndMarksHighBitAsBoundary(t *testing.T) {
	// add=3, high_bit=15, low_bit=8: matches the masked-FAA bitfield
	// scenario posted against a zeroed cell.
	shiftedAdd, boundary := fieldFAAParams(3, 15, 8)
	require.Equal(t, uint64(0x0300), shiftedAdd)
	require.Equal(t, uint64(1)<<15, boundary)
}
