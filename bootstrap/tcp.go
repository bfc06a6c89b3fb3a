// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package bootstrap

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TCPTransport is a rendezvous-based Transport that stands in for the
// MPI-like runtime a production deployment would use. Rank 0 acts as a
// coordinator: every rank dials the coordinator address, registers its
// own listen address under a shared run ID, and receives back the full
// address table. Once every rank knows every other rank's address, a full
// mesh of persistent TCP connections is opened (rank i dials rank j for
// i < j) and used for Barrier/AllToAll/SendRecv.
//
// This is deliberately simple: O(n^2) connections, no reconnection on
// failure, no dynamic join/leave. A crashed rank takes the whole run down.
type TCPTransport struct {
	rank, size int
	runID      uuid.UUID

	mu    sync.Mutex
	conns map[int]net.Conn
}

// NewTCPTransport registers with the coordinator at coordAddr and builds
// the full mesh. Rank 0 starts the coordinator listener inside its own
// call; every other rank dials it once, without retrying, so it must call
// this only after rank 0's coordinator is listening. rank must be in
// [0, size) and unique per process.
func NewTCPTransport(ctx context.Context, coordAddr string, rank, size int) (*TCPTransport, error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("bootstrap: invalid rank %d of %d", rank, size)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, &TransportError{Msg: "cannot open rendezvous listener", Err: err}
	}

	// Every rank derives the same run ID from the coordinator address and
	// the cluster size, so all ranks of one run agree on it without any
	// prior exchange.
	runID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("tcp://%s/%d", coordAddr, size)))
	addrs, err := rendezvous(ctx, coordAddr, rank, size, ln.Addr().String(), runID)
	if err != nil {
		ln.Close()
		return nil, err
	}

	t := &TCPTransport{rank: rank, size: size, runID: runID, conns: make(map[int]net.Conn, size-1)}
	if err := t.buildMesh(ctx, ln, addrs); err != nil {
		ln.Close()
		return nil, err
	}
	return t, nil
}

func (t *TCPTransport) Rank() int { return t.rank }
func (t *TCPTransport) Size() int { return t.size }

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, c := range t.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.conns = nil
	return firstErr
}

// Barrier implements a centralized barrier through rank 0: every other
// rank sends a one-byte token to rank 0 and waits for a release token back.
// Rank 0 waits to receive a token from every other rank before releasing
// all of them. This trades efficiency for simplicity, which is acceptable
// for a bring-up-time barrier (nothing calls for a barrier on the
// data-plane fast path).
func (t *TCPTransport) Barrier(ctx context.Context) error {
	if t.size == 1 {
		return nil
	}

	if t.rank == 0 {
		g, _ := errgroup.WithContext(ctx)
		for peer := 1; peer < t.size; peer++ {
			peer := peer
			g.Go(func() error { return t.recvToken(peer) })
		}
		if err := g.Wait(); err != nil {
			return &TransportError{Msg: "barrier: failed to collect tokens", Err: err}
		}

		g2, _ := errgroup.WithContext(ctx)
		for peer := 1; peer < t.size; peer++ {
			peer := peer
			g2.Go(func() error { return t.sendToken(peer) })
		}
		if err := g2.Wait(); err != nil {
			return &TransportError{Msg: "barrier: failed to release peers", Err: err}
		}
		return nil
	}

	if err := t.sendToken(0); err != nil {
		return &TransportError{Msg: "barrier: failed to signal coordinator", Err: err}
	}
	if err := t.recvToken(0); err != nil {
		return &TransportError{Msg: "barrier: failed to wait for release", Err: err}
	}
	return nil
}

// AllToAll sends outgoing[peer] to every peer and returns what every peer
// sent back. All non-self entries of outgoing must share one length.
func (t *TCPTransport) AllToAll(ctx context.Context, outgoing [][]byte) ([][]byte, error) {
	if len(outgoing) != t.size {
		return nil, &TransportError{Msg: fmt.Sprintf("all-to-all: expected %d buffers, got %d", t.size, len(outgoing))}
	}

	msgLen := -1
	for i, buf := range outgoing {
		if i == t.rank {
			continue
		}
		if msgLen == -1 {
			msgLen = len(buf)
		} else if len(buf) != msgLen {
			return nil, &TransportError{Msg: "all-to-all: buffers must be identically sized"}
		}
	}

	incoming := make([][]byte, t.size)
	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for peer := 0; peer < t.size; peer++ {
		if peer == t.rank {
			continue
		}
		peer := peer
		g.Go(func() error {
			in, err := t.exchange(peer, outgoing[peer])
			if err != nil {
				return fmt.Errorf("peer %d: %w", peer, err)
			}
			mu.Lock()
			incoming[peer] = in
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &TransportError{Msg: "all-to-all exchange failed", Err: err}
	}
	return incoming, nil
}

// SendRecv is AllToAll specialized to a single peer, used by bring-up
// paths that exchange metadata with one peer at a time.
func (t *TCPTransport) SendRecv(ctx context.Context, peer int, out []byte) ([]byte, error) {
	in, err := t.exchange(peer, out)
	if err != nil {
		return nil, &TransportError{Msg: fmt.Sprintf("sendrecv with peer %d failed", peer), Err: err}
	}
	return in, nil
}

func (t *TCPTransport) conn(peer int) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[peer]
	if !ok {
		return nil, fmt.Errorf("no connection to peer %d", peer)
	}
	return c, nil
}

func (t *TCPTransport) exchange(peer int, out []byte) ([]byte, error) {
	c, err := t.conn(peer)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(c, out); err != nil {
		return nil, err
	}
	return readFrame(c)
}

func (t *TCPTransport) sendToken(peer int) error {
	c, err := t.conn(peer)
	if err != nil {
		return err
	}
	return writeFrame(c, []byte{1})
}

func (t *TCPTransport) recvToken(peer int) error {
	c, err := t.conn(peer)
	if err != nil {
		return err
	}
	_, err = readFrame(c)
	return err
}

func writeFrame(c net.Conn, payload []byte) error {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := c.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := c.Write(payload)
	return err
}

func readFrame(c net.Conn) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(c, hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// TransportError wraps a bootstrap-layer failure. rdma.Cluster wraps it in
// a BootstrapError: Cluster.Establish returns that error to its caller,
// while a failed Cluster.Sync aborts the process. This type just carries
// the detail up to that point.
type TransportError struct {
	Msg string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *TransportError) Unwrap() error { return e.Err }
