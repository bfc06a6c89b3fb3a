// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

// Package rptr implements RemotePtr[T], a non-thread-safe smart handle
// that gives C-pointer-like ergonomics over memory registered at a
// remote peer and reachable through a ReliableEndpoint.
package rptr

import (
	"time"
	"unsafe"

	"github.com/IcicleF/rdmalib"
)

// endpoint is the subset of rdma.ReliableEndpoint's surface RemotePtr
// needs. It exists so tests can substitute a fake without standing up a
// real QP, and is satisfied by *rdma.ReliableEndpoint.
type endpoint interface {
	Read(dst unsafe.Pointer, src uint64, size uint32, signaled bool, wrID uint64) int
	Write(dst uint64, src unsafe.Pointer, size uint32, signaled bool, wrID uint64) int
	AtomicCAS(dst uint64, localCompareBuf unsafe.Pointer, compare, swap uint64, signaled bool, wrID uint64) int
	AtomicFAA(dst uint64, localFetchBuf unsafe.Pointer, add uint64, signaled bool, wrID uint64) int
	MaskedCAS(dst uint64, localCompareBuf unsafe.Pointer, compareMask, compare, swap, swapMask uint64, signaled bool, wrID uint64) int
	FieldFAA(dst uint64, localFetchBuf unsafe.Pointer, add uint64, highBit, lowBit uint, signaled bool, wrID uint64) int
	MaskedFAA(dst uint64, localFetchBuf unsafe.Pointer, add, boundaryMask uint64, signaled bool, wrID uint64) int
	PollSendN(n int) []uint64
	PollSendOnce(n int) []uint64
}

var _ endpoint = (*rdma.ReliableEndpoint)(nil)

const rptrWRID = 0x5270_7472 // "Rptr" in ASCII, arbitrary but recognizable in a CQE trace

// RemotePtr is a handle binding an endpoint, a remote address, and a
// local staging buffer for a value of type T. It is not thread-safe: two
// goroutines sharing one RemotePtr is a programmer error.
//
// T must have a stable, trivially-copyable byte representation. Only T
// with size exactly 8 support the atomic operations; calling one on a
// different size returns a zero value without any network traffic.
type RemotePtr[T any] struct {
	ep         endpoint
	remoteAddr uint64
	local      *T
	valid      bool
	volatile   bool
}

// New constructs a RemotePtr over local, which must point to storage at
// least sizeof(T) long and must outlive the RemotePtr. The pointer
// starts invalid: the first Deref always issues a READ.
func New[T any](ep endpoint, remoteAddr uint64, local *T, volatile bool) *RemotePtr[T] {
	return &RemotePtr[T]{ep: ep, remoteAddr: remoteAddr, local: local, volatile: volatile}
}

func sizeOfT[T any]() uintptr {
	var t T
	return unsafe.Sizeof(t)
}

// SetRemoteAddr repoints this handle at a new remote address and
// invalidates the staged local copy.
func (p *RemotePtr[T]) SetRemoteAddr(addr uint64) {
	p.remoteAddr = addr
	p.valid = false
}

// RemoteAddr returns the address this handle currently targets.
func (p *RemotePtr[T]) RemoteAddr() uint64 { return p.remoteAddr }

// Deref returns a pointer to the staged local copy of the remote value.
// If T is non-volatile and the staged copy is valid, no network traffic
// occurs; otherwise a synchronous READ refreshes it first.
func (p *RemotePtr[T]) Deref() *T {
	if !p.volatile && p.valid {
		return p.local
	}
	p.syncRead()
	p.valid = true
	return p.local
}

func (p *RemotePtr[T]) syncRead() {
	size := sizeOfT[T]()
	if ret := p.ep.Read(unsafe.Pointer(p.local), p.remoteAddr, uint32(size), true, rptrWRID); ret != 0 {
		return
	}
	p.ep.PollSendN(1)
}

func (p *RemotePtr[T]) syncWrite() {
	size := sizeOfT[T]()
	if ret := p.ep.Write(p.remoteAddr, unsafe.Pointer(p.local), uint32(size), true, rptrWRID); ret != 0 {
		return
	}
	p.ep.PollSendN(1)
}

// Commit writes the full staged value back to the remote address. If
// sync is true it blocks for the WRITE's completion before returning. A
// full commit leaves the handle valid.
func (p *RemotePtr[T]) Commit(sync bool) {
	size := sizeOfT[T]()
	ret := p.ep.Write(p.remoteAddr, unsafe.Pointer(p.local), uint32(size), sync, rptrWRID)
	if ret == 0 && sync {
		p.ep.PollSendN(1)
	}
	if ret == 0 {
		p.valid = true
	}
}

// CommitRange writes [offset, offset+length) of the staged value back to
// the matching remote sub-range. Unlike Commit, a partial commit never
// promotes validity: the local view may lag for the untouched range
// until an explicit re-read.
func (p *RemotePtr[T]) CommitRange(offset, length uintptr, sync bool) {
	base := unsafe.Pointer(p.local)
	src := unsafe.Add(base, offset)
	ret := p.ep.Write(p.remoteAddr+uint64(offset), src, uint32(length), sync, rptrWRID)
	if ret == 0 && sync {
		p.ep.PollSendN(1)
	}
}

// Invalidate clears the validity bit without touching the network.
func (p *RemotePtr[T]) Invalidate() { p.valid = false }

// CompareExchange stages expect into the local buffer, posts a CAS with
// swap desired, optionally polls for its completion, and reports whether
// the post-op local value equals expect (i.e. the swap took effect).
// It is a no-op returning false for any T whose size is not 8.
func (p *RemotePtr[T]) CompareExchange(expect, desired T, sync bool) bool {
	if sizeOfT[T]() != 8 {
		return false
	}
	*p.local = expect
	expectBits := *(*uint64)(unsafe.Pointer(&expect))
	desiredBits := *(*uint64)(unsafe.Pointer(&desired))

	ret := p.ep.AtomicCAS(p.remoteAddr, unsafe.Pointer(p.local), expectBits, desiredBits, sync, rptrWRID)
	if ret != 0 {
		return false
	}
	if sync {
		p.ep.PollSendN(1)
	}
	p.valid = true
	return *(*uint64)(unsafe.Pointer(p.local)) == expectBits
}

// MaskedCompareExchange is CompareExchange restricted to the bits set in
// compareMask (for the comparison) and swapMask (for the write).
func (p *RemotePtr[T]) MaskedCompareExchange(expect, expectMask, desired, desiredMask T, sync bool) bool {
	if sizeOfT[T]() != 8 {
		return false
	}
	*p.local = expect
	expectBits := *(*uint64)(unsafe.Pointer(&expect))
	expectMaskBits := *(*uint64)(unsafe.Pointer(&expectMask))
	desiredBits := *(*uint64)(unsafe.Pointer(&desired))
	desiredMaskBits := *(*uint64)(unsafe.Pointer(&desiredMask))

	ret := p.ep.MaskedCAS(p.remoteAddr, unsafe.Pointer(p.local), expectMaskBits, expectBits, desiredBits, desiredMaskBits, sync, rptrWRID)
	if ret != 0 {
		return false
	}
	if sync {
		p.ep.PollSendN(1)
	}
	p.valid = true
	return *(*uint64)(unsafe.Pointer(p.local))&expectMaskBits == expectBits&expectMaskBits
}

// FetchAdd posts an 8-byte fetch-and-add of delta and returns the
// pre-addition remote value. It is a no-op returning the zero value for
// any T whose size is not 8.
func (p *RemotePtr[T]) FetchAdd(delta T, sync bool) T {
	var zero T
	if sizeOfT[T]() != 8 {
		return zero
	}
	deltaBits := *(*uint64)(unsafe.Pointer(&delta))
	ret := p.ep.AtomicFAA(p.remoteAddr, unsafe.Pointer(p.local), deltaBits, sync, rptrWRID)
	if ret != 0 {
		return zero
	}
	if sync {
		p.ep.PollSendN(1)
	}
	p.valid = true
	return *p.local
}

// FieldFetchAdd posts a fetch-and-add confined to bitfield [lowBit,
// highBit] and returns the pre-addition remote value.
func (p *RemotePtr[T]) FieldFetchAdd(add uint64, highBit, lowBit uint, sync bool) T {
	var zero T
	if sizeOfT[T]() != 8 {
		return zero
	}
	ret := p.ep.FieldFAA(p.remoteAddr, unsafe.Pointer(p.local), add, highBit, lowBit, sync, rptrWRID)
	if ret != 0 {
		return zero
	}
	if sync {
		p.ep.PollSendN(1)
	}
	p.valid = true
	return *p.local
}

// MaskedFetchAdd posts a fetch-and-add with an explicit carry-boundary
// mask and returns the pre-addition remote value.
func (p *RemotePtr[T]) MaskedFetchAdd(add, boundaryMask uint64, sync bool) T {
	var zero T
	if sizeOfT[T]() != 8 {
		return zero
	}
	ret := p.ep.MaskedFAA(p.remoteAddr, unsafe.Pointer(p.local), add, boundaryMask, sync, rptrWRID)
	if ret != 0 {
		return zero
	}
	if sync {
		p.ep.PollSendN(1)
	}
	p.valid = true
	return *p.local
}

// FieldFetchAddTimeLimit behaves like FieldFetchAdd but bounds how long
// it will busy-poll for the completion: if deadline elapses first, ok is
// false, the zero value is returned, and the WR is left outstanding
// (drained by a later poll, which is the boundary behavior for a
// deadline of 0).
func (p *RemotePtr[T]) FieldFetchAddTimeLimit(deadline time.Duration, add uint64, highBit, lowBit uint) (result T, ok bool) {
	var zero T
	if sizeOfT[T]() != 8 {
		return zero, false
	}
	if ret := p.ep.FieldFAA(p.remoteAddr, unsafe.Pointer(p.local), add, highBit, lowBit, true, rptrWRID); ret != 0 {
		return zero, false
	}
	return p.pollWithDeadline(deadline)
}

// MaskedFetchAddTimeLimit is FieldFetchAddTimeLimit's counterpart for the
// explicit-boundary-mask form of the masked FAA verb. The two are kept as
// distinct methods because they take different parameter shapes (bit
// range vs. explicit mask), not overloads of one name.
func (p *RemotePtr[T]) MaskedFetchAddTimeLimit(deadline time.Duration, add, boundaryMask uint64) (result T, ok bool) {
	var zero T
	if sizeOfT[T]() != 8 {
		return zero, false
	}
	if ret := p.ep.MaskedFAA(p.remoteAddr, unsafe.Pointer(p.local), add, boundaryMask, true, rptrWRID); ret != 0 {
		return zero, false
	}
	return p.pollWithDeadline(deadline)
}

func (p *RemotePtr[T]) pollWithDeadline(deadline time.Duration) (T, bool) {
	var zero T
	if deadline <= 0 {
		return zero, false
	}

	start := time.Now()
	for time.Since(start) < deadline {
		if got := p.ep.PollSendOnce(1); len(got) == 1 {
			p.valid = true
			return *p.local, true
		}
	}
	return zero, false
}

// ReinterpretAt produces a RemotePtr[U] sharing p's underlying local
// buffer, with both the remote and local addresses offset by offset and
// the current validity inherited, so a sub-field of an already-staged
// value can be read or atomically updated without touching the network.
// The caller is responsible for offset and sizeof(U) staying within the
// bounds of whatever local buffer p actually points at.
func ReinterpretAt[T, U any](p *RemotePtr[T], offset uintptr) *RemotePtr[U] {
	return &RemotePtr[U]{
		ep:         p.ep,
		remoteAddr: p.remoteAddr + uint64(offset),
		local:      (*U)(unsafe.Add(unsafe.Pointer(p.local), offset)),
		valid:      p.valid,
		volatile:   p.volatile,
	}
}
