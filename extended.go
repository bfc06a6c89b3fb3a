// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

/*
#include <infiniband/verbs.h>
#include <string.h>

static struct ibv_srq *create_xrc_srq(struct ibv_pd *pd, struct ibv_xrcd *xrcd, struct ibv_cq *cq, uint32_t depth) {
	struct ibv_srq_init_attr_ex attr;
	memset(&attr, 0, sizeof(attr));
	attr.attr.max_wr  = depth;
	attr.attr.max_sge = 1;
	attr.comp_mask = IBV_SRQ_INIT_ATTR_TYPE | IBV_SRQ_INIT_ATTR_PD | IBV_SRQ_INIT_ATTR_XRCD | IBV_SRQ_INIT_ATTR_CQ;
	attr.srq_type = IBV_SRQT_XRC;
	attr.pd = pd;
	attr.xrcd = xrcd;
	attr.cq = cq;
	return ibv_create_srq_ex(pd->context, &attr);
}

static struct ibv_qp *create_xrc_ini_qp(struct ibv_pd *pd, struct ibv_xrcd *xrcd,
                                         struct ibv_cq *send_cq, struct ibv_cq *placeholder_cq,
                                         uint32_t depth, uint32_t max_sge) {
	struct ibv_qp_init_attr_ex attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_type = IBV_QPT_XRC_SEND;
	attr.send_cq = send_cq;
	attr.recv_cq = placeholder_cq;
	attr.cap.max_send_wr = depth;
	attr.cap.max_recv_wr = 1;
	attr.cap.max_send_sge = max_sge;
	attr.cap.max_recv_sge = 1;
	attr.pd = pd;
	attr.comp_mask = IBV_QP_INIT_ATTR_PD | IBV_QP_INIT_ATTR_XRCD;
	attr.xrcd = xrcd;
	return ibv_create_qp_ex(pd->context, &attr);
}

static struct ibv_qp *create_xrc_tgt_qp(struct ibv_pd *pd, struct ibv_xrcd *xrcd,
                                         struct ibv_cq *placeholder_cq, struct ibv_srq *srq) {
	struct ibv_qp_init_attr_ex attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_type = IBV_QPT_XRC_RECV;
	attr.send_cq = placeholder_cq;
	attr.recv_cq = placeholder_cq;
	attr.srq = srq;
	attr.cap.max_recv_wr = 0;
	attr.pd = pd;
	attr.comp_mask = IBV_QP_INIT_ATTR_PD | IBV_QP_INIT_ATTR_XRCD;
	attr.xrcd = xrcd;
	return ibv_create_qp_ex(pd->context, &attr);
}

static int c_post_srq_recv(struct ibv_srq *srq, uint64_t wr_id, uint64_t laddr, uint32_t lkey, uint32_t length) {
	struct ibv_sge sge = { .addr = laddr, .length = length, .lkey = lkey };
	struct ibv_recv_wr wr;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;

	struct ibv_recv_wr *bad = NULL;
	return ibv_post_srq_recv(srq, &wr, &bad);
}

static int c_post_rdma_xrc(struct ibv_qp *qp, int opcode, uint64_t wr_id, int signaled, uint32_t remote_srqn,
                            uint64_t laddr, uint32_t lkey, uint32_t length, uint64_t raddr, uint32_t rkey) {
	struct ibv_sge sge = { .addr = laddr, .length = length, .lkey = lkey };
	struct ibv_send_wr wr;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = (enum ibv_wr_opcode)opcode;
	wr.send_flags = signaled ? IBV_SEND_SIGNALED : 0;
	wr.qp_type.xrc.remote_srqn = remote_srqn;
	wr.wr.rdma.remote_addr = raddr;
	wr.wr.rdma.rkey = rkey;

	struct ibv_send_wr *bad = NULL;
	return ibv_post_send(qp, &wr, &bad);
}

static int c_post_send_xrc(struct ibv_qp *qp, uint64_t wr_id, int signaled, uint32_t remote_srqn,
                            uint64_t laddr, uint32_t lkey, uint32_t length) {
	struct ibv_sge sge = { .addr = laddr, .length = length, .lkey = lkey };
	struct ibv_send_wr wr;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = IBV_WR_SEND;
	wr.send_flags = signaled ? IBV_SEND_SIGNALED : 0;
	wr.qp_type.xrc.remote_srqn = remote_srqn;

	struct ibv_send_wr *bad = NULL;
	return ibv_post_send(qp, &wr, &bad);
}

static uint32_t c_get_srq_num(struct ibv_srq *srq) {
	uint32_t srq_num = 0;
	ibv_get_srq_num(srq, &srq_num);
	return srq_num;
}
*/
import "C"

import (
	"time"
	"unsafe"
)

// ExtendedEndpoint implements the XRC fan-in/out pattern:
// one initiator QP posts against any peer by naming its
// SRQ number in each WR; one target QP receives on behalf of that peer's
// initiator; one SRQ pools receive buffers consumable by any remote
// initiator that names it. A third "placeholder" CQ backs the side of
// each QP the verbs API requires a CQ pointer for but which this
// endpoint's traffic pattern never uses.
type ExtendedEndpoint struct {
	ctx  *Context
	peer *Peer
	slot int

	iniQP *C.struct_ibv_qp
	tgtQP *C.struct_ibv_qp
	srq   *C.struct_ibv_srq

	sendCQ        *C.struct_ibv_cq
	recvCQ        *C.struct_ibv_cq
	placeholderCQ *C.struct_ibv_cq

	remoteIniQPN uint32
	remoteTgtQPN uint32
	remoteSRQNum uint32
}

func newExtendedEndpoint(ctx *Context, peer *Peer, slot int) (*ExtendedEndpoint, error) {
	ep := &ExtendedEndpoint{ctx: ctx, peer: peer, slot: slot}

	ep.placeholderCQ = C.ibv_create_cq(ctx.ibvctx, 1, nil, nil, 0)
	if ep.placeholderCQ == nil {
		return nil, &DeviceError{Msg: "ibv_create_cq (xrc placeholder) failed"}
	}
	ep.sendCQ = C.ibv_create_cq(ctx.ibvctx, C.int(MaxQueueDepth), nil, nil, 0)
	if ep.sendCQ == nil {
		ep.close()
		return nil, &DeviceError{Msg: "ibv_create_cq (xrc send) failed"}
	}
	ep.recvCQ = C.ibv_create_cq(ctx.ibvctx, C.int(MaxQueueDepth), nil, nil, 0)
	if ep.recvCQ == nil {
		ep.close()
		return nil, &DeviceError{Msg: "ibv_create_cq (xrc recv) failed"}
	}

	ep.srq = C.create_xrc_srq(ctx.pd, ctx.xrcd, ep.recvCQ, C.uint32_t(MaxQueueDepth))
	if ep.srq == nil {
		ep.close()
		return nil, &DeviceError{Msg: "ibv_create_srq_ex (xrc) failed"}
	}

	ep.iniQP = C.create_xrc_ini_qp(ctx.pd, ctx.xrcd, ep.sendCQ, ep.placeholderCQ, C.uint32_t(MaxQueueDepth), C.uint32_t(MaxSGE))
	if ep.iniQP == nil {
		ep.close()
		return nil, &DeviceError{Msg: "ibv_create_qp_ex (xrc initiator) failed"}
	}

	ep.tgtQP = C.create_xrc_tgt_qp(ctx.pd, ctx.xrcd, ep.placeholderCQ, ep.srq)
	if ep.tgtQP == nil {
		ep.close()
		return nil, &DeviceError{Msg: "ibv_create_qp_ex (xrc target) failed"}
	}

	return ep, nil
}

func (ep *ExtendedEndpoint) iniQPNum() uint32 { return uint32(ep.iniQP.qp_num) }
func (ep *ExtendedEndpoint) tgtQPNum() uint32 { return uint32(ep.tgtQP.qp_num) }
// srqNum returns the application-visible SRQ number via ibv_get_srq_num,
// not ep.srq.handle: the verbs API does not guarantee the kernel object
// handle equals the SRQN a remote peer must name in its WRs.
func (ep *ExtendedEndpoint) srqNum() uint32 { return uint32(C.c_get_srq_num(ep.srq)) }

// connect drives both QPs through INIT->RTR->RTS. The target's
// destination QP number in RTR is the remote initiator's QP number, and
// vice versa — each side's initiator talks to the peer's target.
func (ep *ExtendedEndpoint) connect(lid uint16, gid [16]byte, remoteIniQPN, remoteTgtQPN uint32) error {
	if C.c_modify_qp_init(ep.iniQP, C.uint8_t(rdmaPort)) != 0 {
		return &DeviceError{Msg: "modify XRC initiator QP to INIT failed"}
	}
	if C.c_modify_qp_init(ep.tgtQP, C.uint8_t(rdmaPort)) != 0 {
		return &DeviceError{Msg: "modify XRC target QP to INIT failed"}
	}

	gidBuf := C.CBytes(gid[:])
	defer C.free(gidBuf)

	if C.c_modify_qp_rtr(ep.iniQP, C.uint8_t(rdmaPort), C.uint16_t(lid), (*C.uint8_t)(gidBuf),
		C.uint32_t(remoteTgtQPN), C.uint32_t(initPSN), C.int(pathMTU4096)) != 0 {
		return &DeviceError{Msg: "modify XRC initiator QP to RTR failed"}
	}
	if C.c_modify_qp_rtr(ep.tgtQP, C.uint8_t(rdmaPort), C.uint16_t(lid), (*C.uint8_t)(gidBuf),
		C.uint32_t(remoteIniQPN), C.uint32_t(initPSN), C.int(pathMTU4096)) != 0 {
		return &DeviceError{Msg: "modify XRC target QP to RTR failed"}
	}

	if C.c_modify_qp_rts(ep.iniQP, C.uint32_t(initPSN)) != 0 {
		return &DeviceError{Msg: "modify XRC initiator QP to RTS failed"}
	}
	if C.c_modify_qp_rts(ep.tgtQP, C.uint32_t(initPSN)) != 0 {
		return &DeviceError{Msg: "modify XRC target QP to RTS failed"}
	}

	ep.remoteIniQPN = remoteIniQPN
	ep.remoteTgtQPN = remoteTgtQPN
	return nil
}

func (ep *ExtendedEndpoint) isRTS() bool {
	return C.c_query_qp_state(ep.iniQP) == C.IBV_QPS_RTS && C.c_query_qp_state(ep.tgtQP) == C.IBV_QPS_RTS
}

func (ep *ExtendedEndpoint) close() {
	if ep.iniQP != nil {
		C.ibv_destroy_qp(ep.iniQP)
	}
	if ep.tgtQP != nil {
		C.ibv_destroy_qp(ep.tgtQP)
	}
	if ep.srq != nil {
		C.ibv_destroy_srq(ep.srq)
	}
	if ep.recvCQ != nil {
		C.ibv_destroy_cq(ep.recvCQ)
	}
	if ep.sendCQ != nil {
		C.ibv_destroy_cq(ep.sendCQ)
	}
	if ep.placeholderCQ != nil {
		C.ibv_destroy_cq(ep.placeholderCQ)
	}
}

func (ep *ExtendedEndpoint) rank() int { return ep.peer.cluster.selfRank }

// remoteSRQ returns this peer's SRQ number at the same slot, the
// destination every one-sided operation implicitly names. Send does not
// use it; it takes its destination SRQ number as an argument.
func (ep *ExtendedEndpoint) remoteSRQ() uint32 { return ep.peer.remoteSRQ[ep.slot] }

// Read issues an async one-sided RDMA READ against the peer named by
// this endpoint's remote SRQ.
func (ep *ExtendedEndpoint) Read(dst unsafe.Pointer, src uint64, size uint32, signaled bool, wrID uint64) int {
	lkey := ep.ctx.MatchLocalLkey(dst, uintptr(size))
	rkey := ep.peer.MatchRemoteRkey(src, uint64(size))
	ret := int(C.c_post_rdma_xrc(ep.iniQP, C.IBV_WR_RDMA_READ, C.uint64_t(wrID), cBool(signaled), C.uint32_t(ep.remoteSRQ()),
		C.uint64_t(uintptr(dst)), C.uint32_t(lkey), C.uint32_t(size), C.uint64_t(src), C.uint32_t(rkey)))
	if ret == 0 {
		recordPost("xrc", "read")
		recordBytes("read", int(size))
	}
	return ret
}

// Write issues an async one-sided RDMA WRITE against the peer named by
// this endpoint's remote SRQ.
func (ep *ExtendedEndpoint) Write(dst uint64, src unsafe.Pointer, size uint32, signaled bool, wrID uint64) int {
	lkey := ep.ctx.MatchLocalLkey(src, uintptr(size))
	rkey := ep.peer.MatchRemoteRkey(dst, uint64(size))
	ret := int(C.c_post_rdma_xrc(ep.iniQP, C.IBV_WR_RDMA_WRITE, C.uint64_t(wrID), cBool(signaled), C.uint32_t(ep.remoteSRQ()),
		C.uint64_t(uintptr(src)), C.uint32_t(lkey), C.uint32_t(size), C.uint64_t(dst), C.uint32_t(rkey)))
	if ret == 0 {
		recordPost("xrc", "write")
		recordBytes("write", int(size))
	}
	return ret
}

// Send posts a two-sided SEND against remoteID's SRQ, which need not be
// the SRQ this endpoint's own peer advertised — any SRQ number reachable
// from the mesh is a valid destination, which is the point of XRC fan-in.
func (ep *ExtendedEndpoint) Send(src unsafe.Pointer, size uint32, remoteID uint32, signaled bool, wrID uint64) int {
	lkey := ep.ctx.MatchLocalLkey(src, uintptr(size))
	ret := int(C.c_post_send_xrc(ep.iniQP, C.uint64_t(wrID), cBool(signaled), C.uint32_t(remoteID),
		C.uint64_t(uintptr(src)), C.uint32_t(lkey), C.uint32_t(size)))
	if ret == 0 {
		recordPost("xrc", "send")
	}
	return ret
}

// Recv posts a receive buffer to this endpoint's SRQ, where it can
// satisfy a SEND from any remote initiator naming this SRQ's number.
func (ep *ExtendedEndpoint) Recv(dst unsafe.Pointer, size uint32, wrID uint64) int {
	lkey := ep.ctx.MatchLocalLkey(dst, uintptr(size))
	ret := int(C.c_post_srq_recv(ep.srq, C.uint64_t(wrID), C.uint64_t(uintptr(dst)), C.uint32_t(lkey), C.uint32_t(size)))
	if ret == 0 {
		recordPost("xrc", "recv")
	}
	return ret
}

// AtomicCAS performs an 8-byte compare-and-swap against the peer named
// by this endpoint's remote SRQ.
func (ep *ExtendedEndpoint) AtomicCAS(dst uint64, localCompareBuf unsafe.Pointer, compare, swap uint64, signaled bool, wrID uint64) int {
	checkAlignment(ep.rank(), dst)
	lkey := ep.ctx.MatchLocalLkey(localCompareBuf, atomicOperandSize)
	rkey := ep.peer.MatchRemoteRkey(dst, atomicOperandSize)
	ret := int(C.c_post_atomic_cas(ep.iniQP, C.uint64_t(wrID), cBool(signaled),
		C.uint64_t(uintptr(localCompareBuf)), C.uint32_t(lkey), C.uint64_t(dst), C.uint32_t(rkey),
		C.uint64_t(compare), C.uint64_t(swap)))
	if ret == 0 {
		recordPost("xrc", "cas")
	}
	return ret
}

// AtomicFAA performs an 8-byte fetch-and-add against the peer named by
// this endpoint's remote SRQ.
func (ep *ExtendedEndpoint) AtomicFAA(dst uint64, localFetchBuf unsafe.Pointer, add uint64, signaled bool, wrID uint64) int {
	checkAlignment(ep.rank(), dst)
	lkey := ep.ctx.MatchLocalLkey(localFetchBuf, atomicOperandSize)
	rkey := ep.peer.MatchRemoteRkey(dst, atomicOperandSize)
	ret := int(C.c_post_atomic_faa(ep.iniQP, C.uint64_t(wrID), cBool(signaled),
		C.uint64_t(uintptr(localFetchBuf)), C.uint32_t(lkey), C.uint64_t(dst), C.uint32_t(rkey), C.uint64_t(add)))
	if ret == 0 {
		recordPost("xrc", "faa")
	}
	return ret
}

// PollSendN blocks until exactly n initiator-side CQEs have drained.
func (ep *ExtendedEndpoint) PollSendN(n int) []uint64 { return ep.pollBlocking(ep.sendCQ, n, "send") }

// PollRecvN blocks until exactly n SRQ-side CQEs have drained.
func (ep *ExtendedEndpoint) PollRecvN(n int) []uint64 { return ep.pollBlocking(ep.recvCQ, n, "recv") }

// PollSendOnce returns whatever initiator-side CQEs are currently
// available (0 to n), without blocking.
func (ep *ExtendedEndpoint) PollSendOnce(n int) []uint64 { return ep.pollCQ(ep.sendCQ, n, "send") }

// PollRecvOnce returns whatever SRQ-side CQEs are currently available
// (0 to n), without blocking.
func (ep *ExtendedEndpoint) PollRecvOnce(n int) []uint64 { return ep.pollCQ(ep.recvCQ, n, "recv") }

// PollSendInto blocks until exactly len(into) initiator-side CQEs have
// drained and writes their wr_ids into into.
func (ep *ExtendedEndpoint) PollSendInto(into []uint64) { ep.pollBlockingInto(ep.sendCQ, into, "send") }

// PollRecvInto blocks until exactly len(into) SRQ-side CQEs have drained
// and writes their wr_ids into into.
func (ep *ExtendedEndpoint) PollRecvInto(into []uint64) { ep.pollBlockingInto(ep.recvCQ, into, "recv") }

func (ep *ExtendedEndpoint) pollCQ(cq *C.struct_ibv_cq, max int, direction string) []uint64 {
	if max > 64 {
		max = 64
	}
	if max <= 0 {
		return nil
	}
	wrIDs := make([]C.uint64_t, max)
	statuses := make([]C.int, max)
	n := int(C.c_poll_cq(cq, C.int(max), (*C.uint64_t)(unsafe.Pointer(&wrIDs[0])), (*C.int)(unsafe.Pointer(&statuses[0]))))
	if n < 0 {
		fatal(ep.rank(), "ibv_poll_cq failed")
	}
	for i := 0; i < n; i++ {
		if statuses[i] != 0 {
			fatal(ep.rank(), "wc failure: %d", int(statuses[i]))
		}
	}
	recordCompletion("xrc", direction, n)

	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = uint64(wrIDs[i])
	}
	return out
}

func (ep *ExtendedEndpoint) pollBlocking(cq *C.struct_ibv_cq, n int, direction string) []uint64 {
	start := time.Now()
	out := make([]uint64, 0, n)
	for len(out) < n {
		out = append(out, ep.pollCQ(cq, n-len(out), direction)...)
	}
	recordPollLatency("xrc", direction, time.Since(start).Seconds())
	return out
}

func (ep *ExtendedEndpoint) pollBlockingInto(cq *C.struct_ibv_cq, into []uint64, direction string) {
	start := time.Now()
	got := 0
	for got < len(into) {
		ids := ep.pollCQ(cq, len(into)-got, direction)
		copy(into[got:], ids)
		got += len(ids)
	}
	recordPollLatency("xrc", direction, time.Since(start).Seconds())
}
