// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

// Package bootstrap provides the collective rendezvous facility treated as
// an external collaborator: rank/size discovery, a blocking barrier, a
// fixed-size all-to-all byte exchange, and a legacy point-to-point
// send/receive for bring-up paths that predate the all-to-all exchange.
// Production deployments of rdmalib are expected to run under an MPI-like
// runtime and could adapt that runtime to this interface instead of using
// the TCP implementation in this package.
package bootstrap

import "context"

// Transport is the bootstrap collective every Cluster drives its bring-up
// protocol over. Implementations must be already initialized when passed
// to rdma.NewCluster and must remain initialized until the Cluster using
// them is closed.
type Transport interface {
	// Rank returns this process's rank in [0, Size()).
	Rank() int

	// Size returns the number of participating processes.
	Size() int

	// Barrier blocks until every participant has called Barrier.
	Barrier(ctx context.Context) error

	// AllToAll exchanges one buffer per peer in both directions. outgoing
	// must have length Size(); outgoing[Rank()] is ignored. Every non-self
	// entry of outgoing must have identical length. The returned slice has
	// the same shape; incoming[Rank()] is the zero value.
	AllToAll(ctx context.Context, outgoing [][]byte) ([][]byte, error)

	// SendRecv performs a point-to-point exchange with a single peer,
	// covering legacy bring-up paths that exchange metadata with one peer
	// at a time rather than through a single all-to-all round.
	SendRecv(ctx context.Context, peer int, out []byte) ([]byte, error)

	// Close releases the transport's resources. The Cluster that owns a
	// Transport calls this exactly once, after its final barrier.
	Close() error
}
