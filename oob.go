// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

import (
	"encoding/binary"
	"fmt"
)

// mrExchange is one entry of a peer's memory-region table as carried over
// the wire: remote virtual address, length, and the rkey needed to target
// it with a one-sided verb.
type mrExchange struct {
	Addr uint64
	Len  uint64
	Rkey uint32
}

// oobExchange is the fixed-capacity out-of-band record exchanged between
// every ordered pair of ranks during Cluster.Establish.
// Every field not used by a given run is zero, and the struct is always
// sent at its full fixed size — this keeps the bootstrap transport's
// all-to-all byte exchange a single size for every rank, which is the
// property MaxMrs/MaxConnections/MaxPeers exist to guarantee.
type oobExchange struct {
	LID uint16
	GID [16]byte

	NumMR int32
	MR    [MaxMrs]mrExchange

	NumRC    int32
	RCQPNum  [MaxConnections]uint32
	NumXRC   int32
	XRCIniQP [MaxConnections]uint32
	XRCTgtQP [MaxConnections]uint32
	XRCSRQ   [MaxConnections]uint32
}

// oobExchangeWireSize is the fixed byte size of the little-endian,
// packed encoding produced by marshalOOB. It determines the fixed message
// size the bootstrap transport's all-to-all exchange must move per peer.
const oobExchangeWireSize = 2 + 16 + 4 + MaxMrs*20 + 4 + MaxConnections*4 + 4 + MaxConnections*4*3

func marshalOOB(x *oobExchange) []byte {
	buf := make([]byte, oobExchangeWireSize)
	off := 0

	binary.LittleEndian.PutUint16(buf[off:], x.LID)
	off += 2
	copy(buf[off:], x.GID[:])
	off += 16

	binary.LittleEndian.PutUint32(buf[off:], uint32(x.NumMR))
	off += 4
	for _, mr := range x.MR {
		binary.LittleEndian.PutUint64(buf[off:], mr.Addr)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], mr.Len)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], mr.Rkey)
		off += 4
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(x.NumRC))
	off += 4
	for _, qpn := range x.RCQPNum {
		binary.LittleEndian.PutUint32(buf[off:], qpn)
		off += 4
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(x.NumXRC))
	off += 4
	for _, qpn := range x.XRCIniQP {
		binary.LittleEndian.PutUint32(buf[off:], qpn)
		off += 4
	}
	for _, qpn := range x.XRCTgtQP {
		binary.LittleEndian.PutUint32(buf[off:], qpn)
		off += 4
	}
	for _, srq := range x.XRCSRQ {
		binary.LittleEndian.PutUint32(buf[off:], srq)
		off += 4
	}

	return buf
}

func unmarshalOOB(buf []byte) (*oobExchange, error) {
	if len(buf) != oobExchangeWireSize {
		return nil, fmt.Errorf("oob exchange: expected %d bytes, got %d", oobExchangeWireSize, len(buf))
	}

	x := &oobExchange{}
	off := 0

	x.LID = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	copy(x.GID[:], buf[off:off+16])
	off += 16

	x.NumMR = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := range x.MR {
		x.MR[i].Addr = binary.LittleEndian.Uint64(buf[off:])
		off += 8
		x.MR[i].Len = binary.LittleEndian.Uint64(buf[off:])
		off += 8
		x.MR[i].Rkey = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}

	x.NumRC = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := range x.RCQPNum {
		x.RCQPNum[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}

	x.NumXRC = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := range x.XRCIniQP {
		x.XRCIniQP[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	for i := range x.XRCTgtQP {
		x.XRCTgtQP[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	for i := range x.XRCSRQ {
		x.XRCSRQ[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}

	return x, nil
}
