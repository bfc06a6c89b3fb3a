// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Peer holds every endpoint this process has to one remote rank, plus that
// rank's advertised MR table and SRQ numbers. A Peer is exclusively owned
// by the Cluster that created it; its endpoints are exclusively owned by
// the Peer.
type Peer struct {
	ctx     *Context
	cluster *Cluster
	rank    int

	rc  []*ReliableEndpoint
	xrc []*ExtendedEndpoint

	numRemoteMRs int32
	remoteMRs    [MaxMrs]mrExchange
	remoteSRQ    [MaxConnections]uint32
}

// newPeer creates numRC ReliableEndpoints and numXRC ExtendedEndpoints to
// rank, each with its QPs/CQs/SRQ in the RESET state. shareCQWith, if
// non-nil, has already been validated by the caller (see
// validateCQSharing in cluster.go).
func newPeer(ctx *Context, cluster *Cluster, rank int, numRC, numXRC int, shareCQWith []int) (*Peer, error) {
	ctx.acquire()
	p := &Peer{ctx: ctx, cluster: cluster, rank: rank}

	p.rc = make([]*ReliableEndpoint, numRC)
	for i := 0; i < numRC; i++ {
		var shareWith *ReliableEndpoint
		if shareCQWith != nil && shareCQWith[i] >= 0 && shareCQWith[i] != i {
			shareWith = p.rc[shareCQWith[i]]
		}
		ep, err := newReliableEndpoint(ctx, p, i, shareWith)
		if err != nil {
			p.teardownPartial(i, 0)
			return nil, err
		}
		p.rc[i] = ep
	}

	p.xrc = make([]*ExtendedEndpoint, numXRC)
	for i := 0; i < numXRC; i++ {
		ep, err := newExtendedEndpoint(ctx, p, i)
		if err != nil {
			p.teardownPartial(numRC, i)
			return nil, err
		}
		p.xrc[i] = ep
	}

	return p, nil
}

func (p *Peer) teardownPartial(nrc, nxrc int) {
	for i := 0; i < nrc && i < len(p.rc); i++ {
		if p.rc[i] != nil {
			p.rc[i].close()
		}
	}
	for i := 0; i < nxrc && i < len(p.xrc); i++ {
		if p.xrc[i] != nil {
			p.xrc[i].close()
		}
	}
	p.ctx.release()
}

// Rank returns the remote rank this Peer represents.
func (p *Peer) Rank() int { return p.rank }

// fillExchange appends this Peer's local endpoint QP/SRQ numbers to out.
// It does not touch out's MR table — that is filled once, by the Cluster,
// from the shared Context (see Cluster.Establish).
func (p *Peer) fillExchange(out *oobExchange) {
	out.NumRC = int32(len(p.rc))
	for i, ep := range p.rc {
		out.RCQPNum[i] = ep.qpNum()
	}

	out.NumXRC = int32(len(p.xrc))
	for i, ep := range p.xrc {
		out.XRCIniQP[i] = ep.iniQPNum()
		out.XRCTgtQP[i] = ep.tgtQPNum()
		out.XRCSRQ[i] = ep.srqNum()
	}
}

// installRemote copies in's MR table and XRC SRQ numbers into this Peer's
// remote tables, then drives every local endpoint's QP(s) through
// INIT->RTR->RTS using the matching remote QP numbers.
func (p *Peer) installRemote(in *oobExchange) error {
	if int(in.NumRC) != len(p.rc) {
		return &MisuseError{Rank: p.cluster.selfRank, Msg: "peer advertised a different RC endpoint count"}
	}
	if int(in.NumXRC) != len(p.xrc) {
		return &MisuseError{Rank: p.cluster.selfRank, Msg: "peer advertised a different XRC endpoint count"}
	}

	p.numRemoteMRs = in.NumMR
	for i := 0; i < int(in.NumMR); i++ {
		p.remoteMRs[i] = in.MR[i]
	}
	for i := 0; i < int(in.NumXRC); i++ {
		p.remoteSRQ[i] = in.XRCSRQ[i]
	}

	for i, ep := range p.rc {
		if err := ep.connect(in.LID, in.GID, in.RCQPNum[i]); err != nil {
			return err
		}
	}
	for i, ep := range p.xrc {
		if err := ep.connect(in.LID, in.GID, in.XRCIniQP[i], in.XRCTgtQP[i]); err != nil {
			return err
		}
	}
	return nil
}

// RemoteMR returns the address and length of this peer's i-th advertised
// memory region.
func (p *Peer) RemoteMR(i int) (addr, length uint64) {
	m := p.remoteMRs[i]
	return m.Addr, m.Len
}

// RemoteSRQ returns this peer's i-th advertised XRC SRQ number, the
// destination a local ExtendedEndpoint's Send/one-sided verbs must name
// to reach that peer's i-th ExtendedEndpoint.
func (p *Peer) RemoteSRQ(i int) uint32 { return p.remoteSRQ[i] }

// RC returns the i-th ReliableEndpoint to this peer.
func (p *Peer) RC(i int) *ReliableEndpoint { return p.rc[i] }

// XRC returns the i-th ExtendedEndpoint to this peer.
func (p *Peer) XRC(i int) *ExtendedEndpoint { return p.xrc[i] }

// Connection is a deprecated alias for RC, kept for call sites written
// before the XRC variant existed.
//
// Deprecated: use RC.
func (p *Peer) Connection(i int) *ReliableEndpoint { return p.RC(i) }

// MatchRemoteRkey scans this peer's remote-MR table for the first entry
// that fully contains [addr, addr+size) and returns its rkey. No match is
// a fatal programmer error, analogous to Context.MatchLocalLkey.
func (p *Peer) MatchRemoteRkey(addr, size uint64) uint32 {
	n := int(atomic.LoadInt32(&p.numRemoteMRs))

	switch n {
	case 4:
		if remoteWithin(p.remoteMRs[3], addr, size) {
			return p.remoteMRs[3].Rkey
		}
		fallthrough
	case 3:
		if remoteWithin(p.remoteMRs[2], addr, size) {
			return p.remoteMRs[2].Rkey
		}
		fallthrough
	case 2:
		if remoteWithin(p.remoteMRs[1], addr, size) {
			return p.remoteMRs[1].Rkey
		}
		fallthrough
	case 1:
		if remoteWithin(p.remoteMRs[0], addr, size) {
			return p.remoteMRs[0].Rkey
		}
	}

	fatal(p.cluster.selfRank, "cannot match remote mr")
	return 0
}

func remoteWithin(m mrExchange, addr, size uint64) bool {
	if m.Len == 0 && m.Addr == 0 {
		return false
	}
	return addr >= m.Addr && addr+size <= m.Addr+m.Len
}

// close tears down every endpoint to this peer. If the local process never
// called Cluster.Sync before this, the remote side may still be posting
// against these QPs; we warn rather than block, leaving the
// teardown-barrier question to the caller (see DESIGN.md).
func (p *Peer) close() {
	if !p.cluster.syncedOnce.Load() {
		log.Warn().Int("peer", p.rank).Msg("closing peer without a prior Cluster.Sync; remote may still be posting")
	}
	for _, ep := range p.rc {
		ep.close()
	}
	for _, ep := range p.xrc {
		ep.close()
	}
	p.ctx.release()
}
