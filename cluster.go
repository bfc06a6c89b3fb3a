// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/IcicleF/rdmalib/bootstrap"
)

// Cluster discovers this process's rank and size from a bootstrap
// transport, constructs one Peer per remote rank, and drives the
// six-step bring-up protocol. A Cluster is
// created once per Context and destroyed before it.
type Cluster struct {
	ctx       *Context
	transport bootstrap.Transport

	selfRank int
	size     int
	peers    []*Peer // len == size; peers[selfRank] is nil

	established atomic.Bool
	syncedOnce  atomic.Bool
}

// NewCluster discovers rank/size from transport and allocates an empty
// Peer table. The Peers themselves are created by Establish, once the
// endpoint counts are known; Peer construction brings every endpoint's
// QPs up to RESET, and the later steps of Establish exchange metadata and
// drive the state transitions.
func NewCluster(ctx *Context, transport bootstrap.Transport) *Cluster {
	ctx.setRank(transport.Rank())
	ctx.acquire()

	c := &Cluster{
		ctx:       ctx,
		transport: transport,
		selfRank:  transport.Rank(),
		size:      transport.Size(),
	}
	c.peers = make([]*Peer, c.size)
	return c
}

// Rank returns this process's rank.
func (c *Cluster) Rank() int { return c.selfRank }

// Size returns the number of participating processes.
func (c *Cluster) Size() int { return c.size }

// validateCQSharing checks the CQ-sharing table:
// entry i must be -1, i itself, or a value in [0, i).
func validateCQSharing(shareCQWith []int, numRC int) error {
	if shareCQWith == nil {
		return nil
	}
	if len(shareCQWith) != numRC {
		return &MisuseError{Msg: fmt.Sprintf("cq-sharing table has %d entries, want %d", len(shareCQWith), numRC)}
	}
	for i, v := range shareCQWith {
		if v == -1 || v == i {
			continue
		}
		if v < 0 || v >= i {
			return &MisuseError{Msg: fmt.Sprintf("cq-sharing table entry %d=%d is not -1, %d, or in [0,%d)", i, v, i, i)}
		}
	}
	return nil
}

// Establish runs the bring-up protocol exactly once: every call after the
// first is a no-op that returns nil without allocating or modifying
// anything.
func (c *Cluster) Establish(numRC, numXRC int, shareCQWith []int) error {
	if !c.established.CompareAndSwap(false, true) {
		return nil
	}

	if numRC <= 0 && numXRC <= 0 {
		return &MisuseError{Rank: c.selfRank, Msg: "establish requires num_rc or num_xrc to be positive"}
	}
	if numRC > MaxConnections || numXRC > MaxConnections || c.size > MaxPeers {
		return &MisuseError{Rank: c.selfRank, Msg: fmt.Sprintf("establish exceeds capacity: num_rc=%d num_xrc=%d (max %d), size=%d (max %d)", numRC, numXRC, MaxConnections, c.size, MaxPeers)}
	}
	if err := validateCQSharing(shareCQWith, numRC); err != nil {
		return err
	}

	for rank := 0; rank < c.size; rank++ {
		if rank == c.selfRank {
			continue
		}
		peer, err := newPeer(c.ctx, c, rank, numRC, numXRC, shareCQWith)
		if err != nil {
			return err
		}
		c.peers[rank] = peer
	}

	ctx := context.Background()
	if err := c.transport.Barrier(ctx); err != nil {
		return &BootstrapError{Msg: "pre-exchange barrier failed", Err: err}
	}

	outgoing := make([][]byte, c.size)
	for rank, peer := range c.peers {
		if peer == nil {
			continue
		}
		x := &oobExchange{LID: c.ctx.LID(), GID: c.ctx.GID()}
		c.fillLocalMRs(x)
		peer.fillExchange(x)
		outgoing[rank] = marshalOOB(x)
	}

	incoming, err := c.transport.AllToAll(ctx, outgoing)
	if err != nil {
		return &BootstrapError{Msg: "bring-up all-to-all exchange failed", Err: err}
	}

	g, _ := errgroup.WithContext(ctx)
	for rank, peer := range c.peers {
		if peer == nil {
			continue
		}
		rank, peer := rank, peer
		g.Go(func() error {
			x, err := unmarshalOOB(incoming[rank])
			if err != nil {
				return &BootstrapError{Msg: fmt.Sprintf("malformed oob record from rank %d", rank), Err: err}
			}
			return peer.installRemote(x)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.transport.Barrier(ctx); err != nil {
		return &BootstrapError{Msg: "post-connect barrier failed", Err: err}
	}

	log.Info().Int("rank", c.selfRank).Int("size", c.size).Int("num_rc", numRC).Int("num_xrc", numXRC).Msg("cluster established")
	return nil
}

func (c *Cluster) fillLocalMRs(x *oobExchange) {
	n := c.ctx.MRCount()
	x.NumMR = int32(n)
	for i := 0; i < n; i++ {
		m := c.ctx.mrs[i]
		x.MR[i] = mrExchange{Addr: uint64(m.addr), Len: uint64(m.size), Rkey: m.rkey}
	}
}

// Sync performs a bootstrap barrier followed by a compiler fence, so that
// loads/stores issued before Sync cannot be reordered past it by the Go
// compiler. Failure is fatal.
//
// This library treats the barrier itself as the fence: a call that
// crosses a network boundary is opaque to the compiler's reordering
// analysis, so no separate fence primitive is needed on top of it (the
// source's two-step barrier-then-fence sequence collapses to one step
// here — see DESIGN.md for the reasoning).
func (c *Cluster) Sync() error {
	if err := c.transport.Barrier(context.Background()); err != nil {
		fatal(c.selfRank, "sync failed: %v", err)
	}
	c.syncedOnce.Store(true)
	return nil
}

// Peer returns the Peer record for rank. Calling it with the local rank
// is a programmer error.
func (c *Cluster) Peer(rank int) *Peer {
	if rank == c.selfRank || rank < 0 || rank >= c.size {
		fatal(c.selfRank, "invalid peer id %d", rank)
	}
	return c.peers[rank]
}

// Verbose walks every Peer and every endpoint, queries its QP state
// locally (no network traffic), and reports which endpoints are not in
// RTS. It returns 0 when every endpoint is healthy, or the first
// unhealthy peer's rank plus one on failure, so that a failure at rank 0
// is still non-zero.
func (c *Cluster) Verbose() int {
	for rank, peer := range c.peers {
		if peer == nil {
			continue
		}
		for i, ep := range peer.rc {
			if !ep.isRTS() {
				log.Warn().Int("peer", rank).Int("rc", i).Msg("endpoint not in RTS")
				return rank + 1
			}
		}
		for i, ep := range peer.xrc {
			if !ep.isRTS() {
				log.Warn().Int("peer", rank).Int("xrc", i).Msg("endpoint not in RTS")
				return rank + 1
			}
		}
	}
	return 0
}

// Close tears down every Peer and releases this Cluster's hold on the
// Context. The open design question about QP-teardown barriers
// applies here: Close does not itself barrier with remote peers, so a
// peer that closes while another rank still posts against it will see
// completion errors at that rank. Callers are expected to Sync before
// closing symmetrically.
func (c *Cluster) Close() error {
	for _, peer := range c.peers {
		if peer != nil {
			peer.close()
		}
	}
	c.ctx.release()
	return c.transport.Close()
}
