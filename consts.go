// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

// Fixed capacities that size the out-of-band exchange message layout.
// Follow these or the library will refuse to operate past them.
const (
	// MaxMrs is the maximum number of memory regions registrable per Context.
	MaxMrs = 4

	// MaxPeers is the maximum number of peers (including self) per Cluster.
	MaxPeers = 256

	// MaxConnections is the maximum number of connections of a single kind
	// (RC or XRC) between any pair of peers.
	MaxConnections = 32

	// MaxPostWR is the maximum chain length accepted by the batched verb
	// posting calls (BatchRead, BatchMaskedFAA).
	MaxPostWR = 32

	// MaxQueueDepth is the send/recv queue depth used for every QP and SRQ
	// this library creates.
	MaxQueueDepth = 256

	// MaxSGE is the maximum number of scatter/gather entries per WR.
	MaxSGE = 16

	// initPSN is the fixed initial packet sequence number used for both the
	// send and receive side of every QP this library brings up.
	initPSN = 3185

	// pathMTU4096 is the fixed path MTU (IBV_MTU_4096) used for every RTR
	// transition.
	pathMTU4096 = 5 // IBV_MTU_4096

	maxDestRdAtomic = 16
	maxRdAtomic     = 16
	minRnrTimer     = 12
	ackTimeout      = 14
	retryCount      = 7
	rnrRetryCount   = 7

	atomicOperandSize = 8 // bytes; all RDMA atomics in this library are 64-bit
)

// Permission is a bitmask of memory-region access flags, mirroring
// ibv_access_flags. ALL grants every permission the verb surface needs.
type Permission int

const (
	PermLocalWrite Permission = 1 << iota
	PermRemoteWrite
	PermRemoteRead
	PermRemoteAtomic
)

// PermAll is the default permission set passed to Context.RegisterMemory:
// local write plus every remote permission the verb surface exercises.
const PermAll = PermLocalWrite | PermRemoteWrite | PermRemoteRead | PermRemoteAtomic
