// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package bootstrap

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// rendezvous exchanges listen addresses through a coordinator at coordAddr
// and returns the full address table, indexed by rank. Rank 0 hosts the
// coordinator; every rank (including rank 0) registers its own listen
// address and the run's uuid, which every rank derives from the
// coordinator address and cluster size. The coordinator rejects a join
// whose uuid differs, i.e. one launched with a different cluster size; a
// leftover process from an earlier run with the same address and size is
// not told apart.
func rendezvous(ctx context.Context, coordAddr string, rank, size int, myAddr string, runID uuid.UUID) ([]string, error) {
	if rank == 0 {
		return hostRendezvous(ctx, coordAddr, size, myAddr, runID)
	}
	return joinRendezvous(ctx, coordAddr, rank, myAddr, runID)
}

func hostRendezvous(ctx context.Context, coordAddr string, size int, myAddr string, runID uuid.UUID) ([]string, error) {
	ln, err := net.Listen("tcp", coordAddr)
	if err != nil {
		return nil, &TransportError{Msg: "cannot host rendezvous coordinator", Err: err}
	}
	defer ln.Close()

	addrs := make([]string, size)
	addrs[0] = myAddr

	var mu sync.Mutex
	remaining := size - 1
	conns := make([]net.Conn, 0, remaining)

	for remaining > 0 {
		c, err := ln.Accept()
		if err != nil {
			return nil, &TransportError{Msg: "rendezvous accept failed", Err: err}
		}
		peerRank, peerAddr, peerRun, err := readRegistration(c)
		if err != nil {
			c.Close()
			return nil, &TransportError{Msg: "rendezvous registration malformed", Err: err}
		}
		if peerRun != runID {
			c.Close()
			return nil, &TransportError{Msg: fmt.Sprintf("rendezvous: rank %d joined with a stale run id", peerRank)}
		}
		mu.Lock()
		addrs[peerRank] = peerAddr
		conns = append(conns, c)
		remaining--
		mu.Unlock()
	}

	table := encodeTable(addrs)
	for _, c := range conns {
		if err := writeFrame(c, table); err != nil {
			c.Close()
			return nil, &TransportError{Msg: "rendezvous: failed to publish address table", Err: err}
		}
		c.Close()
	}
	return addrs, nil
}

func joinRendezvous(ctx context.Context, coordAddr string, rank int, myAddr string, runID uuid.UUID) ([]string, error) {
	c, err := net.Dial("tcp", coordAddr)
	if err != nil {
		return nil, &TransportError{Msg: "cannot reach rendezvous coordinator", Err: err}
	}
	defer c.Close()

	if err := writeRegistration(c, rank, myAddr, runID); err != nil {
		return nil, &TransportError{Msg: "rendezvous: failed to register", Err: err}
	}

	tableBytes, err := readFrame(c)
	if err != nil {
		return nil, &TransportError{Msg: "rendezvous: failed to read address table", Err: err}
	}
	return decodeTable(tableBytes), nil
}

func writeRegistration(c net.Conn, rank int, addr string, runID uuid.UUID) error {
	payload := make([]byte, 0, 16+4+len(addr))
	runBytes, _ := runID.MarshalBinary()
	payload = append(payload, runBytes...)

	rankBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(rankBuf, uint32(rank))
	payload = append(payload, rankBuf...)
	payload = append(payload, []byte(addr)...)
	return writeFrame(c, payload)
}

func readRegistration(c net.Conn) (rank int, addr string, runID uuid.UUID, err error) {
	buf, err := readFrame(c)
	if err != nil {
		return 0, "", uuid.UUID{}, err
	}
	if len(buf) < 20 {
		return 0, "", uuid.UUID{}, fmt.Errorf("registration frame too short: %d bytes", len(buf))
	}
	if err := runID.UnmarshalBinary(buf[:16]); err != nil {
		return 0, "", uuid.UUID{}, err
	}
	rank = int(binary.BigEndian.Uint32(buf[16:20]))
	addr = string(buf[20:])
	return rank, addr, runID, nil
}

// encodeTable/decodeTable serialize the address table as a sequence of
// length-prefixed strings, one per rank, in rank order.
func encodeTable(addrs []string) []byte {
	var out []byte
	for _, a := range addrs {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(a)))
		out = append(out, lenBuf...)
		out = append(out, []byte(a)...)
	}
	return out
}

func decodeTable(buf []byte) []string {
	var addrs []string
	off := 0
	for off < len(buf) {
		n := binary.BigEndian.Uint32(buf[off:])
		off += 4
		addrs = append(addrs, string(buf[off:off+int(n)]))
		off += int(n)
	}
	return addrs
}

// buildMesh opens a persistent TCP connection to every peer of higher rank
// and accepts one from every peer of lower rank, so that exactly one
// connection exists per unordered pair.
func (t *TCPTransport) buildMesh(ctx context.Context, ln net.Listener, addrs []string) error {
	var acceptWg sync.WaitGroup
	acceptErrCh := make(chan error, 1)
	lowerPeers := t.rank

	if lowerPeers > 0 {
		acceptWg.Add(1)
		go func() {
			defer acceptWg.Done()
			for i := 0; i < lowerPeers; i++ {
				c, err := ln.Accept()
				if err != nil {
					acceptErrCh <- err
					return
				}
				peerRank, err := readPeerHello(c)
				if err != nil {
					acceptErrCh <- err
					return
				}
				t.mu.Lock()
				t.conns[peerRank] = c
				t.mu.Unlock()
			}
		}()
	}

	for peer := t.rank + 1; peer < t.size; peer++ {
		c, err := net.Dial("tcp", addrs[peer])
		if err != nil {
			return &TransportError{Msg: fmt.Sprintf("cannot connect to peer %d", peer), Err: err}
		}
		if err := writePeerHello(c, t.rank); err != nil {
			return &TransportError{Msg: fmt.Sprintf("cannot greet peer %d", peer), Err: err}
		}
		t.mu.Lock()
		t.conns[peer] = c
		t.mu.Unlock()
	}

	acceptWg.Wait()
	select {
	case err := <-acceptErrCh:
		return &TransportError{Msg: "mesh accept failed", Err: err}
	default:
		return nil
	}
}

func writePeerHello(c net.Conn, rank int) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(rank))
	return writeFrame(c, buf)
}

func readPeerHello(c net.Conn) (int, error) {
	buf, err := readFrame(c)
	if err != nil {
		return 0, err
	}
	if len(buf) != 4 {
		return 0, fmt.Errorf("malformed peer hello")
	}
	return int(binary.BigEndian.Uint32(buf)), nil
}
