// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateCQSharingAcceptsIndependentAndSelf(t *testing.T) {
	require.NoError(t, validateCQSharing([]int{-1, -1, -1}, 3), "all-independent table should be valid")
	require.NoError(t, validateCQSharing([]int{0, 1, 2}, 3), "self-referencing table should be valid")
}

func TestValidateCQSharingAcceptsBackwardReuse(t *testing.T) {
	require.NoError(t, validateCQSharing([]int{-1, 0, 0, 1}, 4), "backward-reuse table should be valid")
}

func TestValidateCQSharingRejectsForwardReference(t *testing.T) {
	require.Error(t, validateCQSharing([]int{2, -1, -1}, 3), "expected error for forward reference")
}

func TestValidateCQSharingRejectsWrongLength(t *testing.T) {
	require.Error(t, validateCQSharing([]int{-1, -1}, 3), "expected error for mismatched table length")
}

func TestValidateCQSharingNilTableIsValid(t *testing.T) {
	require.NoError(t, validateCQSharing(nil, 3), "nil table should mean no sharing policy")
}

func TestEstablishRequiresAtLeastOneEndpointKind(t *testing.T) {
	c := &Cluster{size: 2, selfRank: 0, peers: make([]*Peer, 2)}
	c.ctx = &Context{rank: -1}

	err := c.Establish(0, 0, nil)
	require.Error(t, err, "expected error when both num_rc and num_xrc are zero")
	require.IsType(t, &MisuseError{}, err)
}
