// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

/*
#include <infiniband/verbs.h>
#include <infiniband/verbs_exp.h>
#include <string.h>
#include <errno.h>

static int c_modify_qp_init(struct ibv_qp *qp, uint8_t port) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state        = IBV_QPS_INIT;
	attr.pkey_index      = 0;
	attr.port_num        = port;
	attr.qp_access_flags = IBV_ACCESS_REMOTE_READ | IBV_ACCESS_REMOTE_WRITE | IBV_ACCESS_REMOTE_ATOMIC;
	int flags = IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS;
	return ibv_modify_qp(qp, &attr, flags);
}

static int c_modify_qp_rtr(struct ibv_qp *qp, uint8_t port, uint16_t dlid, const uint8_t *dgid,
                            uint32_t dest_qpn, uint32_t rq_psn, int mtu) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state              = IBV_QPS_RTR;
	attr.path_mtu              = (enum ibv_mtu)mtu;
	attr.dest_qp_num           = dest_qpn;
	attr.rq_psn                = rq_psn;
	attr.max_dest_rd_atomic    = 16;
	attr.min_rnr_timer         = 12;
	attr.ah_attr.dlid          = dlid;
	attr.ah_attr.sl            = 0;
	attr.ah_attr.src_path_bits = 0;
	attr.ah_attr.port_num      = port;
	attr.ah_attr.is_global     = 1;
	attr.ah_attr.grh.hop_limit = 1;
	attr.ah_attr.grh.sgid_index = 1;
	memcpy(attr.ah_attr.grh.dgid.raw, dgid, 16);

	int flags = IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN |
	            IBV_QP_RQ_PSN | IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER;
	return ibv_modify_qp(qp, &attr, flags);
}

static int c_modify_qp_rts(struct ibv_qp *qp, uint32_t sq_psn) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state      = IBV_QPS_RTS;
	attr.sq_psn        = sq_psn;
	attr.timeout       = 14;
	attr.retry_cnt     = 7;
	attr.rnr_retry     = 7;
	attr.max_rd_atomic = 16;
	int flags = IBV_QP_STATE | IBV_QP_SQ_PSN | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT |
	            IBV_QP_RNR_RETRY | IBV_QP_MAX_RD_ATOMIC;
	return ibv_modify_qp(qp, &attr, flags);
}

static enum ibv_qp_state c_query_qp_state(struct ibv_qp *qp) {
	struct ibv_qp_attr attr;
	struct ibv_qp_init_attr init_attr;
	if (ibv_query_qp(qp, &attr, IBV_QP_STATE, &init_attr) != 0) {
		return IBV_QPS_ERR;
	}
	return attr.qp_state;
}

static int c_post_rdma(struct ibv_qp *qp, int opcode, uint64_t wr_id, int signaled,
                        uint64_t laddr, uint32_t lkey, uint32_t length,
                        uint64_t raddr, uint32_t rkey) {
	struct ibv_sge sge = { .addr = laddr, .length = length, .lkey = lkey };
	struct ibv_send_wr wr;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = (enum ibv_wr_opcode)opcode;
	wr.send_flags = signaled ? IBV_SEND_SIGNALED : 0;
	wr.wr.rdma.remote_addr = raddr;
	wr.wr.rdma.rkey = rkey;

	struct ibv_send_wr *bad = NULL;
	return ibv_post_send(qp, &wr, &bad);
}

static int c_post_send_msg(struct ibv_qp *qp, uint64_t wr_id, int signaled,
                            uint64_t laddr, uint32_t lkey, uint32_t length) {
	struct ibv_sge sge = { .addr = laddr, .length = length, .lkey = lkey };
	struct ibv_send_wr wr;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = IBV_WR_SEND;
	wr.send_flags = signaled ? IBV_SEND_SIGNALED : 0;

	struct ibv_send_wr *bad = NULL;
	return ibv_post_send(qp, &wr, &bad);
}

static int c_post_recv_msg(struct ibv_qp *qp, uint64_t wr_id, uint64_t laddr, uint32_t lkey, uint32_t length) {
	struct ibv_sge sge = { .addr = laddr, .length = length, .lkey = lkey };
	struct ibv_recv_wr wr;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;

	struct ibv_recv_wr *bad = NULL;
	return ibv_post_recv(qp, &wr, &bad);
}

static int c_post_atomic_cas(struct ibv_qp *qp, uint64_t wr_id, int signaled,
                              uint64_t laddr, uint32_t lkey,
                              uint64_t raddr, uint32_t rkey,
                              uint64_t compare, uint64_t swap) {
	struct ibv_sge sge = { .addr = laddr, .length = 8, .lkey = lkey };
	struct ibv_send_wr wr;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = IBV_WR_ATOMIC_CMP_AND_SWP;
	wr.send_flags = signaled ? IBV_SEND_SIGNALED : 0;
	wr.wr.atomic.remote_addr = raddr;
	wr.wr.atomic.rkey = rkey;
	wr.wr.atomic.compare_add = compare;
	wr.wr.atomic.swap = swap;

	struct ibv_send_wr *bad = NULL;
	return ibv_post_send(qp, &wr, &bad);
}

static int c_post_atomic_faa(struct ibv_qp *qp, uint64_t wr_id, int signaled,
                              uint64_t laddr, uint32_t lkey,
                              uint64_t raddr, uint32_t rkey, uint64_t add) {
	struct ibv_sge sge = { .addr = laddr, .length = 8, .lkey = lkey };
	struct ibv_send_wr wr;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = IBV_WR_ATOMIC_FETCH_AND_ADD;
	wr.send_flags = signaled ? IBV_SEND_SIGNALED : 0;
	wr.wr.atomic.remote_addr = raddr;
	wr.wr.atomic.rkey = rkey;
	wr.wr.atomic.compare_add = add;

	struct ibv_send_wr *bad = NULL;
	return ibv_post_send(qp, &wr, &bad);
}

// c_post_masked_cas and c_post_masked_faa use the Mellanox experimental
// masked-atomics extension (ibv_exp_post_send / IBV_EXP_WR_EXT_MASKED_ATOMIC_CMP_AND_SWP).
static int c_post_masked_cas(struct ibv_qp *qp, uint64_t wr_id, int signaled,
                              uint64_t laddr, uint32_t lkey,
                              uint64_t raddr, uint32_t rkey,
                              uint64_t compare, uint64_t compare_mask,
                              uint64_t swap, uint64_t swap_mask) {
	struct ibv_exp_send_wr wr;
	memset(&wr, 0, sizeof(wr));
	struct ibv_sge sge = { .addr = laddr, .length = 8, .lkey = lkey };
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.exp_opcode = IBV_EXP_WR_EXT_MASKED_ATOMIC_CMP_AND_SWP;
	wr.exp_send_flags = signaled ? IBV_EXP_SEND_SIGNALED : 0;
	wr.ext_op.masked_atomics.log_arg_sz = 3; // 8-byte operands
	wr.ext_op.masked_atomics.remote_addr = raddr;
	wr.ext_op.masked_atomics.rkey = rkey;
	wr.ext_op.masked_atomics.wr_data.inline_data.op.cmp_swap.compare_val = compare;
	wr.ext_op.masked_atomics.wr_data.inline_data.op.cmp_swap.compare_mask = compare_mask;
	wr.ext_op.masked_atomics.wr_data.inline_data.op.cmp_swap.swap_val = swap;
	wr.ext_op.masked_atomics.wr_data.inline_data.op.cmp_swap.swap_mask = swap_mask;

	struct ibv_exp_send_wr *bad = NULL;
	return ibv_exp_post_send(qp, &wr, &bad);
}

static int c_post_masked_faa(struct ibv_qp *qp, uint64_t wr_id, int signaled,
                              uint64_t laddr, uint32_t lkey,
                              uint64_t raddr, uint32_t rkey,
                              uint64_t add, uint64_t boundary_mask) {
	struct ibv_exp_send_wr wr;
	memset(&wr, 0, sizeof(wr));
	struct ibv_sge sge = { .addr = laddr, .length = 8, .lkey = lkey };
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.exp_opcode = IBV_EXP_WR_EXT_MASKED_ATOMIC_FETCH_AND_ADD;
	wr.exp_send_flags = signaled ? IBV_EXP_SEND_SIGNALED : 0;
	wr.ext_op.masked_atomics.log_arg_sz = 3;
	wr.ext_op.masked_atomics.remote_addr = raddr;
	wr.ext_op.masked_atomics.rkey = rkey;
	wr.ext_op.masked_atomics.wr_data.inline_data.op.fetch_add.add_val = add;
	wr.ext_op.masked_atomics.wr_data.inline_data.op.fetch_add.field_boundary = boundary_mask;

	struct ibv_exp_send_wr *bad = NULL;
	return ibv_exp_post_send(qp, &wr, &bad);
}

static int c_poll_cq(struct ibv_cq *cq, int max, uint64_t *wr_ids, int *statuses) {
	struct ibv_wc wc[64];
	if (max > 64) max = 64;
	int n = ibv_poll_cq(cq, max, wc);
	if (n < 0) return n;
	for (int i = 0; i < n; i++) {
		wr_ids[i] = wc[i].wr_id;
		statuses[i] = (int)wc[i].status;
	}
	return n;
}
*/
import "C"

import (
	"runtime"
	"time"
	"unsafe"
)

// ReliableEndpoint wraps one RC QP and its two completion queues, and
// exposes the full verb-posting surface against one remote peer. Its QP
// transitions RESET->INIT->RTR->RTS exactly once, driven by connect
// during Cluster.Establish.
type ReliableEndpoint struct {
	ctx  *Context
	peer *Peer
	slot int

	qp     *C.struct_ibv_qp
	sendCQ *C.struct_ibv_cq
	recvCQ *C.struct_ibv_cq
	ownsCQ bool

	remoteQPN uint32
}

func newReliableEndpoint(ctx *Context, peer *Peer, slot int, shareWith *ReliableEndpoint) (*ReliableEndpoint, error) {
	ep := &ReliableEndpoint{ctx: ctx, peer: peer, slot: slot}

	if shareWith != nil {
		ep.sendCQ = shareWith.sendCQ
		ep.recvCQ = shareWith.recvCQ
		ep.ownsCQ = false
	} else {
		sendCQ := C.ibv_create_cq(ctx.ibvctx, C.int(MaxQueueDepth), nil, nil, 0)
		if sendCQ == nil {
			return nil, &DeviceError{Msg: "ibv_create_cq (send) failed"}
		}
		recvCQ := C.ibv_create_cq(ctx.ibvctx, C.int(MaxQueueDepth), nil, nil, 0)
		if recvCQ == nil {
			C.ibv_destroy_cq(sendCQ)
			return nil, &DeviceError{Msg: "ibv_create_cq (recv) failed"}
		}
		ep.sendCQ = sendCQ
		ep.recvCQ = recvCQ
		ep.ownsCQ = true
	}

	initAttr := C.struct_ibv_qp_init_attr{
		send_cq: ep.sendCQ,
		recv_cq: ep.recvCQ,
		cap: C.struct_ibv_qp_cap{
			max_send_wr:  C.uint32_t(MaxQueueDepth),
			max_recv_wr:  C.uint32_t(MaxQueueDepth),
			max_send_sge: C.uint32_t(MaxSGE),
			max_recv_sge: C.uint32_t(MaxSGE),
		},
		qp_type: C.IBV_QPT_RC,
	}
	qp := C.ibv_create_qp(ctx.pd, &initAttr)
	if qp == nil {
		if ep.ownsCQ {
			C.ibv_destroy_cq(ep.recvCQ)
			C.ibv_destroy_cq(ep.sendCQ)
		}
		return nil, &DeviceError{Msg: "ibv_create_qp (RC) failed"}
	}
	ep.qp = qp
	return ep, nil
}

func (ep *ReliableEndpoint) qpNum() uint32 { return uint32(ep.qp.qp_num) }

// connect drives this endpoint's QP through INIT->RTR->RTS against the
// peer's LID/GID/QPN, using the fixed QP attributes this library pins:
// path MTU 4096, PSN 3185 both directions, 16 max outstanding
// RDMA/atomic, timeout 14, retry count 7, RNR retry 7, min RNR timer 12.
func (ep *ReliableEndpoint) connect(lid uint16, gid [16]byte, remoteQPN uint32) error {
	if C.c_modify_qp_init(ep.qp, C.uint8_t(rdmaPort)) != 0 {
		return &DeviceError{Msg: "modify RC QP to INIT failed"}
	}

	gidBuf := C.CBytes(gid[:])
	defer C.free(gidBuf)
	if C.c_modify_qp_rtr(ep.qp, C.uint8_t(rdmaPort), C.uint16_t(lid), (*C.uint8_t)(gidBuf),
		C.uint32_t(remoteQPN), C.uint32_t(initPSN), C.int(pathMTU4096)) != 0 {
		return &DeviceError{Msg: "modify RC QP to RTR failed"}
	}

	if C.c_modify_qp_rts(ep.qp, C.uint32_t(initPSN)) != 0 {
		return &DeviceError{Msg: "modify RC QP to RTS failed"}
	}

	ep.remoteQPN = remoteQPN
	return nil
}

func (ep *ReliableEndpoint) isRTS() bool {
	return C.c_query_qp_state(ep.qp) == C.IBV_QPS_RTS
}

func (ep *ReliableEndpoint) close() {
	if ep.qp != nil {
		C.ibv_destroy_qp(ep.qp)
	}
	if ep.ownsCQ {
		C.ibv_destroy_cq(ep.recvCQ)
		C.ibv_destroy_cq(ep.sendCQ)
	}
}

func (ep *ReliableEndpoint) localLkey(addr unsafe.Pointer, size uintptr) uint32 {
	return ep.ctx.MatchLocalLkey(addr, size)
}

func (ep *ReliableEndpoint) remoteRkey(addr uint64, size uint64) uint32 {
	return ep.peer.MatchRemoteRkey(addr, size)
}

func checkAlignment(rank int, addr uint64) {
	if addr%atomicOperandSize != 0 {
		fatal(rank, "post atomic to non-aligned address %#x", addr)
	}
}

func (ep *ReliableEndpoint) rank() int { return ep.peer.cluster.selfRank }

// Read issues an async one-sided RDMA READ: memcpy(dst, src, size).
func (ep *ReliableEndpoint) Read(dst unsafe.Pointer, src uint64, size uint32, signaled bool, wrID uint64) int {
	lkey := ep.localLkey(dst, uintptr(size))
	rkey := ep.remoteRkey(src, uint64(size))
	ret := int(C.c_post_rdma(ep.qp, C.IBV_WR_RDMA_READ, C.uint64_t(wrID), cBool(signaled),
		C.uint64_t(uintptr(dst)), C.uint32_t(lkey), C.uint32_t(size), C.uint64_t(src), C.uint32_t(rkey)))
	if ret == 0 {
		recordPost("rc", "read")
		recordBytes("read", int(size))
	}
	return ret
}

// Write issues an async one-sided RDMA WRITE: memcpy(dst, src, size).
func (ep *ReliableEndpoint) Write(dst uint64, src unsafe.Pointer, size uint32, signaled bool, wrID uint64) int {
	lkey := ep.localLkey(src, uintptr(size))
	rkey := ep.remoteRkey(dst, uint64(size))
	ret := int(C.c_post_rdma(ep.qp, C.IBV_WR_RDMA_WRITE, C.uint64_t(wrID), cBool(signaled),
		C.uint64_t(uintptr(src)), C.uint32_t(lkey), C.uint32_t(size), C.uint64_t(dst), C.uint32_t(rkey)))
	if ret == 0 {
		recordPost("rc", "write")
		recordBytes("write", int(size))
	}
	return ret
}

// Send posts a two-sided SEND, consuming one receive buffer at the peer.
func (ep *ReliableEndpoint) Send(src unsafe.Pointer, size uint32, signaled bool, wrID uint64) int {
	lkey := ep.localLkey(src, uintptr(size))
	ret := int(C.c_post_send_msg(ep.qp, C.uint64_t(wrID), cBool(signaled),
		C.uint64_t(uintptr(src)), C.uint32_t(lkey), C.uint32_t(size)))
	if ret == 0 {
		recordPost("rc", "send")
	}
	return ret
}

// Recv posts a receive buffer of size bytes.
func (ep *ReliableEndpoint) Recv(dst unsafe.Pointer, size uint32, wrID uint64) int {
	lkey := ep.localLkey(dst, uintptr(size))
	ret := int(C.c_post_recv_msg(ep.qp, C.uint64_t(wrID), C.uint64_t(uintptr(dst)), C.uint32_t(lkey), C.uint32_t(size)))
	if ret == 0 {
		recordPost("rc", "recv")
	}
	return ret
}

// AtomicCAS performs an 8-byte compare-and-swap on dst; on failure the
// prior remote value is written into localCompareBuf.
func (ep *ReliableEndpoint) AtomicCAS(dst uint64, localCompareBuf unsafe.Pointer, compare, swap uint64, signaled bool, wrID uint64) int {
	checkAlignment(ep.rank(), dst)
	lkey := ep.localLkey(localCompareBuf, atomicOperandSize)
	rkey := ep.remoteRkey(dst, atomicOperandSize)
	ret := int(C.c_post_atomic_cas(ep.qp, C.uint64_t(wrID), cBool(signaled),
		C.uint64_t(uintptr(localCompareBuf)), C.uint32_t(lkey),
		C.uint64_t(dst), C.uint32_t(rkey), C.uint64_t(compare), C.uint64_t(swap)))
	if ret == 0 {
		recordPost("rc", "cas")
	}
	return ret
}

// AtomicFAA performs an 8-byte fetch-and-add on dst.
func (ep *ReliableEndpoint) AtomicFAA(dst uint64, localFetchBuf unsafe.Pointer, add uint64, signaled bool, wrID uint64) int {
	checkAlignment(ep.rank(), dst)
	lkey := ep.localLkey(localFetchBuf, atomicOperandSize)
	rkey := ep.remoteRkey(dst, atomicOperandSize)
	ret := int(C.c_post_atomic_faa(ep.qp, C.uint64_t(wrID), cBool(signaled),
		C.uint64_t(uintptr(localFetchBuf)), C.uint32_t(lkey),
		C.uint64_t(dst), C.uint32_t(rkey), C.uint64_t(add)))
	if ret == 0 {
		recordPost("rc", "faa")
	}
	return ret
}

// MaskedCAS performs a hardware masked CAS: only bits set in compareMask
// participate in the comparison, and only bits set in swapMask of swap
// are written on success.
func (ep *ReliableEndpoint) MaskedCAS(dst uint64, localCompareBuf unsafe.Pointer, compareMask, compare, swap, swapMask uint64, signaled bool, wrID uint64) int {
	checkAlignment(ep.rank(), dst)
	lkey := ep.localLkey(localCompareBuf, atomicOperandSize)
	rkey := ep.remoteRkey(dst, atomicOperandSize)
	ret := int(C.c_post_masked_cas(ep.qp, C.uint64_t(wrID), cBool(signaled),
		C.uint64_t(uintptr(localCompareBuf)), C.uint32_t(lkey),
		C.uint64_t(dst), C.uint32_t(rkey),
		C.uint64_t(compare), C.uint64_t(compareMask), C.uint64_t(swap), C.uint64_t(swapMask)))
	if ret == 0 {
		recordPost("rc", "masked_cas")
	}
	return ret
}

// fieldMask builds the full-width mask for a contiguous bitfield
// [lowBit, highBit]. It is a convenience for callers that want the mask
// of the field itself; it is not the value masked_faa posts as its carry
// boundary (see FieldFAA).
func fieldMask(highBit, lowBit uint) uint64 {
	width := highBit - lowBit + 1
	var field uint64
	if width >= 64 {
		field = ^uint64(0)
	} else {
		field = (uint64(1)<<width - 1) << lowBit
	}
	return field
}

// fieldFAAParams computes the add_val/field_boundary pair masked_faa
// posts for a bit-range fetch-and-add: add shifted into the field's low
// bit, and the single bit at highBit marking where the carry must stop
// propagating.
func fieldFAAParams(add uint64, highBit, lowBit uint) (shiftedAdd, boundary uint64) {
	return add << lowBit, uint64(1) << highBit
}

// FieldFAA performs a fetch-and-add confined to the contiguous bitfield
// [lowBit, highBit]: add is shifted into the field's low bit, and
// field_boundary is the single bit at highBit marking where the carry
// must stop propagating.
func (ep *ReliableEndpoint) FieldFAA(dst uint64, localFetchBuf unsafe.Pointer, add uint64, highBit, lowBit uint, signaled bool, wrID uint64) int {
	checkAlignment(ep.rank(), dst)
	shiftedAdd, boundary := fieldFAAParams(add, highBit, lowBit)
	return ep.postMaskedFAA(dst, localFetchBuf, shiftedAdd, boundary, signaled, wrID)
}

// MaskedFAA performs a fetch-and-add with an explicit per-field carry
// boundary mask, for callers that need carry semantics FieldFAA's simple
// bit-range form cannot express (e.g. multiple disjoint fields).
func (ep *ReliableEndpoint) MaskedFAA(dst uint64, localFetchBuf unsafe.Pointer, add, boundaryMask uint64, signaled bool, wrID uint64) int {
	checkAlignment(ep.rank(), dst)
	return ep.postMaskedFAA(dst, localFetchBuf, add, boundaryMask, signaled, wrID)
}

func (ep *ReliableEndpoint) postMaskedFAA(dst uint64, localFetchBuf unsafe.Pointer, add, boundaryMask uint64, signaled bool, wrID uint64) int {
	lkey := ep.localLkey(localFetchBuf, atomicOperandSize)
	rkey := ep.remoteRkey(dst, atomicOperandSize)
	ret := int(C.c_post_masked_faa(ep.qp, C.uint64_t(wrID), cBool(signaled),
		C.uint64_t(uintptr(localFetchBuf)), C.uint32_t(lkey),
		C.uint64_t(dst), C.uint32_t(rkey), C.uint64_t(add), C.uint64_t(boundaryMask)))
	if ret == 0 {
		recordPost("rc", "masked_faa")
	}
	return ret
}

// BatchRead chains up to MaxPostWR READ WRs in one posting loop; only the
// last WR in the chain is signaled.
func (ep *ReliableEndpoint) BatchRead(dst []unsafe.Pointer, src []uint64, size []uint32, wrIDStart uint64) int {
	n := len(dst)
	if n == 0 || n > MaxPostWR || len(src) != n || len(size) != n {
		return -1
	}
	for i := 0; i < n; i++ {
		last := i == n-1
		if ret := ep.Read(dst[i], src[i], size[i], last, wrIDStart+uint64(i)); ret != 0 {
			return ret
		}
	}
	return 0
}

// BatchMaskedFAA chains up to MaxPostWR masked-FAA WRs in one posting
// loop; only the last WR in the chain is signaled.
func (ep *ReliableEndpoint) BatchMaskedFAA(dst []uint64, fetch []unsafe.Pointer, add, boundary []uint64, wrIDStart uint64) int {
	n := len(dst)
	if n == 0 || n > MaxPostWR || len(fetch) != n || len(add) != n || len(boundary) != n {
		return -1
	}
	for i := 0; i < n; i++ {
		last := i == n-1
		if ret := ep.MaskedFAA(dst[i], fetch[i], add[i], boundary[i], last, wrIDStart+uint64(i)); ret != 0 {
			return ret
		}
	}
	return 0
}

// pollCQ drains up to max CQEs from cq, aborting on the first non-SUCCESS
// status. It returns the wr_ids of the CQEs it drained, in completion
// order.
func (ep *ReliableEndpoint) pollCQ(cq *C.struct_ibv_cq, max int, direction string) []uint64 {
	if max > 64 {
		max = 64
	}
	wrIDs := make([]C.uint64_t, max)
	statuses := make([]C.int, max)

	var pinner runtime.Pinner
	pinner.Pin(&wrIDs[0])
	pinner.Pin(&statuses[0])
	n := int(C.c_poll_cq(cq, C.int(max), (*C.uint64_t)(unsafe.Pointer(&wrIDs[0])), (*C.int)(unsafe.Pointer(&statuses[0]))))
	pinner.Unpin()

	if n < 0 {
		fatal(ep.rank(), "ibv_poll_cq failed")
	}
	for i := 0; i < n; i++ {
		if statuses[i] != 0 {
			fatal(ep.rank(), "wc failure: %d", int(statuses[i]))
		}
	}
	recordCompletion("rc", direction, n)

	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = uint64(wrIDs[i])
	}
	return out
}

// PollSendN blocks until exactly n send-side CQEs have drained.
func (ep *ReliableEndpoint) PollSendN(n int) []uint64 { return ep.pollBlocking(ep.sendCQ, n, "send") }

// PollRecvN blocks until exactly n recv-side CQEs have drained.
func (ep *ReliableEndpoint) PollRecvN(n int) []uint64 { return ep.pollBlocking(ep.recvCQ, n, "recv") }

func (ep *ReliableEndpoint) pollBlocking(cq *C.struct_ibv_cq, n int, direction string) []uint64 {
	start := time.Now()
	out := make([]uint64, 0, n)
	for len(out) < n {
		out = append(out, ep.pollCQ(cq, n-len(out), direction)...)
	}
	recordPollLatency("rc", direction, time.Since(start).Seconds())
	return out
}

// PollSendInto blocks until exactly len(into) send-side CQEs have drained
// and writes their wr_ids into into.
func (ep *ReliableEndpoint) PollSendInto(into []uint64) { ep.pollBlockingInto(ep.sendCQ, into, "send") }

// PollRecvInto blocks until exactly len(into) recv-side CQEs have drained
// and writes their wr_ids into into.
func (ep *ReliableEndpoint) PollRecvInto(into []uint64) { ep.pollBlockingInto(ep.recvCQ, into, "recv") }

func (ep *ReliableEndpoint) pollBlockingInto(cq *C.struct_ibv_cq, into []uint64, direction string) {
	start := time.Now()
	got := 0
	for got < len(into) {
		ids := ep.pollCQ(cq, len(into)-got, direction)
		copy(into[got:], ids)
		got += len(ids)
	}
	recordPollLatency("rc", direction, time.Since(start).Seconds())
}

// PollSendOnce returns whatever send-side CQEs are currently available
// (0 to n), without blocking.
func (ep *ReliableEndpoint) PollSendOnce(n int) []uint64 { return ep.pollCQ(ep.sendCQ, n, "send") }

// PollRecvOnce returns whatever recv-side CQEs are currently available
// (0 to n), without blocking.
func (ep *ReliableEndpoint) PollRecvOnce(n int) []uint64 { return ep.pollCQ(ep.recvCQ, n, "recv") }

func cBool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}
