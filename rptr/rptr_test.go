// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rptr

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// fakeEndpoint models a single remote 8-byte cell (or arbitrary-length
// buffer) entirely in local memory, so RemotePtr's logic can be tested
// without a real QP.
type fakeEndpoint struct {
	remote map[uint64][]byte
	polls  int
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{remote: make(map[uint64][]byte)}
}

func (f *fakeEndpoint) bufAt(addr uint64, size uint32) []byte {
	b, ok := f.remote[addr]
	if !ok || uint32(len(b)) != size {
		b = make([]byte, size)
		f.remote[addr] = b
	}
	return b
}

func (f *fakeEndpoint) Read(dst unsafe.Pointer, src uint64, size uint32, signaled bool, wrID uint64) int {
	b := f.bufAt(src, size)
	dstSlice := unsafe.Slice((*byte)(dst), size)
	copy(dstSlice, b)
	return 0
}

func (f *fakeEndpoint) Write(dst uint64, src unsafe.Pointer, size uint32, signaled bool, wrID uint64) int {
	b := f.bufAt(dst, size)
	srcSlice := unsafe.Slice((*byte)(src), size)
	copy(b, srcSlice)
	return 0
}

func (f *fakeEndpoint) AtomicCAS(dst uint64, localCompareBuf unsafe.Pointer, compare, swap uint64, signaled bool, wrID uint64) int {
	b := f.bufAt(dst, 8)
	cur := *(*uint64)(unsafe.Pointer(&b[0]))
	if cur == compare {
		*(*uint64)(unsafe.Pointer(&b[0])) = swap
	}
	*(*uint64)(localCompareBuf) = cur
	return 0
}

func (f *fakeEndpoint) AtomicFAA(dst uint64, localFetchBuf unsafe.Pointer, add uint64, signaled bool, wrID uint64) int {
	b := f.bufAt(dst, 8)
	cur := *(*uint64)(unsafe.Pointer(&b[0]))
	*(*uint64)(unsafe.Pointer(&b[0])) = cur + add
	*(*uint64)(localFetchBuf) = cur
	return 0
}

func (f *fakeEndpoint) MaskedCAS(dst uint64, localCompareBuf unsafe.Pointer, compareMask, compare, swap, swapMask uint64, signaled bool, wrID uint64) int {
	b := f.bufAt(dst, 8)
	cur := *(*uint64)(unsafe.Pointer(&b[0]))
	if cur&compareMask == compare&compareMask {
		*(*uint64)(unsafe.Pointer(&b[0])) = (cur &^ swapMask) | (swap & swapMask)
	}
	*(*uint64)(localCompareBuf) = cur
	return 0
}

func (f *fakeEndpoint) FieldFAA(dst uint64, localFetchBuf unsafe.Pointer, add uint64, highBit, lowBit uint, signaled bool, wrID uint64) int {
	width := highBit - lowBit + 1
	var boundary uint64
	if width >= 64 {
		boundary = ^uint64(0)
	} else {
		boundary = (uint64(1)<<width - 1) << lowBit
	}
	return f.MaskedFAA(dst, localFetchBuf, (add<<lowBit)&boundary, boundary, signaled, wrID)
}

func (f *fakeEndpoint) MaskedFAA(dst uint64, localFetchBuf unsafe.Pointer, add, boundaryMask uint64, signaled bool, wrID uint64) int {
	b := f.bufAt(dst, 8)
	cur := *(*uint64)(unsafe.Pointer(&b[0]))
	field := cur & boundaryMask
	sum := (field + add) & boundaryMask
	*(*uint64)(unsafe.Pointer(&b[0])) = (cur &^ boundaryMask) | sum
	*(*uint64)(localFetchBuf) = cur
	return 0
}

func (f *fakeEndpoint) PollSendN(n int) []uint64 {
	f.polls++
	ids := make([]uint64, n)
	return ids
}

func (f *fakeEndpoint) PollSendOnce(n int) []uint64 {
	f.polls++
	ids := make([]uint64, n)
	return ids
}

func TestDerefIssuesReadOnFirstUse(t *testing.T) {
	ep := newFakeEndpoint()
	ep.remote[0x1000] = []byte{1, 2, 3, 4, 5, 6, 7, 8}

	var local uint64
	p := New[uint64](ep, 0x1000, &local, false)
	got := p.Deref()
	require.Equal(t, uint64(0x0807060504030201), *got)
}

func TestDerefUsesStagedCopyWhenValid(t *testing.T) {
	ep := newFakeEndpoint()
	ep.remote[0x1000] = []byte{1, 0, 0, 0, 0, 0, 0, 0}

	var local uint64
	p := New[uint64](ep, 0x1000, &local, false)
	p.Deref()

	ep.remote[0x1000][0] = 99 // mutate remote without invalidating
	got := p.Deref()
	require.Equal(t, uint64(1), *got, "non-volatile cached deref should not re-read")
}

func TestVolatileDerefAlwaysRereads(t *testing.T) {
	ep := newFakeEndpoint()
	ep.remote[0x1000] = []byte{1, 0, 0, 0, 0, 0, 0, 0}

	var local uint64
	p := New[uint64](ep, 0x1000, &local, true)
	p.Deref()

	ep.remote[0x1000][0] = 99
	got := p.Deref()
	require.Equal(t, uint64(99), *got)
}

func TestCommitThenInvalidateThenDerefRoundTrips(t *testing.T) {
	ep := newFakeEndpoint()

	local := uint64(0x1122334455667788)
	p := New[uint64](ep, 0x2000, &local, false)
	p.Commit(true)
	p.Invalidate()

	got := p.Deref()
	require.Equal(t, uint64(0x1122334455667788), *got)
}

func TestCompareExchangeSucceedsAndFails(t *testing.T) {
	ep := newFakeEndpoint()
	ep.remote[0x3000] = make([]byte, 8) // zeroed cell

	var local uint64
	p := New[uint64](ep, 0x3000, &local, false)

	require.True(t, p.CompareExchange(0, 42, true))
	require.Equal(t, uint64(0), *p.Deref(), "Deref after CAS reflects the staged prior value until re-read")

	p.Invalidate()
	require.False(t, p.CompareExchange(0, 100, true), "second CAS against an already-swapped cell should fail")
}

func TestFetchAddReturnsPreAdditionValue(t *testing.T) {
	ep := newFakeEndpoint()
	ep.remote[0x4000] = make([]byte, 8)

	var local uint64
	p := New[uint64](ep, 0x4000, &local, false)

	var fetched [5]uint64
	for i := range fetched {
		fetched[i] = p.FetchAdd(1, true)
	}
	require.Equal(t, [5]uint64{0, 1, 2, 3, 4}, fetched)
}

func TestFieldFetchAddConfinesCarryToBitfield(t *testing.T) {
	ep := newFakeEndpoint()
	ep.remote[0x5000] = make([]byte, 8)

	var local uint64
	p := New[uint64](ep, 0x5000, &local, false)

	fetched := p.FieldFetchAdd(3, 15, 8, true)
	require.Equal(t, uint64(0), fetched)

	raw := ep.remote[0x5000]
	got := *(*uint64)(unsafe.Pointer(&raw[0]))
	require.Equal(t, uint64(0x0000_0000_0000_0300), got)
}

func TestAtomicsOnNonEightByteTypeAreNoOps(t *testing.T) {
	ep := newFakeEndpoint()

	type wideValue struct{ a, b, c uint64 }
	var local wideValue
	p := New[wideValue](ep, 0x6000, &local, false)

	require.False(t, p.CompareExchange(wideValue{}, wideValue{a: 1}, true))
	require.Equal(t, 0, ep.polls, "non-8-byte atomics must not touch the network")
}

func TestFieldFetchAddTimeLimitZeroDeadlineNeverBlocksOrPolls(t *testing.T) {
	ep := newFakeEndpoint()
	ep.remote[0x7000] = make([]byte, 8)

	var local uint64
	p := New[uint64](ep, 0x7000, &local, false)

	_, ok := p.FieldFetchAddTimeLimit(0, 1, 7, 0)
	require.False(t, ok, "a zero deadline must return false without ever polling")
	require.Equal(t, 0, ep.polls, "a zero deadline must not attempt a poll")
}

func TestReinterpretAtOffsetsBothAddresses(t *testing.T) {
	ep := newFakeEndpoint()
	ep.remote[0x8008] = []byte{9, 0, 0, 0}

	var outer [2]uint64
	p := New[[2]uint64](ep, 0x8000, &outer, false)

	q := ReinterpretAt[[2]uint64, uint32](p, 8)
	require.Equal(t, uint64(0x8008), q.RemoteAddr())

	got := q.Deref()
	require.Equal(t, uint32(9), *got)
}

func TestReinterpretAtSharesUnderlyingLocalBuffer(t *testing.T) {
	ep := newFakeEndpoint()
	ep.remote[0x9008] = []byte{0x78, 0x56, 0x34, 0x12}

	var outer [2]uint64
	p := New[[2]uint64](ep, 0x9000, &outer, false)

	q := ReinterpretAt[[2]uint64, uint32](p, 8)
	q.Deref()

	require.Equal(t, uint64(0x12345678), outer[1]&0xFFFFFFFF,
		"ReinterpretAt must write into p's local buffer, not a detached copy")
}
