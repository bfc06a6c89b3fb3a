// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startCluster(t *testing.T, size int) []*TCPTransport {
	t.Helper()
	coordAddr := fmt.Sprintf("127.0.0.1:%d", 29500+size)

	transports := make([]*TCPTransport, size)
	var wg sync.WaitGroup
	errs := make([]error, size)

	// Rank 0 must be listening before the others dial, so start it first
	// and give it a moment to bind before the rest race in.
	wg.Add(1)
	go func() {
		defer wg.Done()
		tr, err := NewTCPTransport(context.Background(), coordAddr, 0, size)
		transports[0] = tr
		errs[0] = err
	}()
	time.Sleep(100 * time.Millisecond)

	for rank := 1; rank < size; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := NewTCPTransport(context.Background(), coordAddr, rank, size)
			transports[rank] = tr
			errs[rank] = err
		}()
	}
	wg.Wait()

	for rank, err := range errs {
		require.NoError(t, err, "rank %d failed to join", rank)
	}
	return transports
}

func closeAll(transports []*TCPTransport) {
	for _, tr := range transports {
		if tr != nil {
			tr.Close()
		}
	}
}

func TestTCPTransportRankAndSize(t *testing.T) {
	transports := startCluster(t, 3)
	defer closeAll(transports)

	for rank, tr := range transports {
		require.Equal(t, rank, tr.Rank())
		require.Equal(t, 3, tr.Size())
	}
}

func TestTCPTransportBarrier(t *testing.T) {
	transports := startCluster(t, 4)
	defer closeAll(transports)

	var wg sync.WaitGroup
	errs := make([]error, len(transports))
	for i, tr := range transports {
		i, tr := i, tr
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = tr.Barrier(context.Background())
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "rank %d barrier failed", i)
	}
}

func TestTCPTransportAllToAll(t *testing.T) {
	size := 3
	transports := startCluster(t, size)
	defer closeAll(transports)

	results := make([][][]byte, size)
	var wg sync.WaitGroup
	errs := make([]error, size)

	for rank, tr := range transports {
		rank, tr := rank, tr
		wg.Add(1)
		go func() {
			defer wg.Done()
			outgoing := make([][]byte, size)
			for peer := 0; peer < size; peer++ {
				if peer == rank {
					continue
				}
				outgoing[peer] = []byte(fmt.Sprintf("from-%d-to-%d", rank, peer))
			}
			in, err := tr.AllToAll(context.Background(), outgoing)
			results[rank] = in
			errs[rank] = err
		}()
	}
	wg.Wait()

	for rank, err := range errs {
		require.NoError(t, err, "rank %d all-to-all failed", rank)
	}
	for rank := 0; rank < size; rank++ {
		for peer := 0; peer < size; peer++ {
			if peer == rank {
				continue
			}
			want := fmt.Sprintf("from-%d-to-%d", peer, rank)
			require.Equal(t, want, string(results[rank][peer]))
		}
	}
}

func TestTCPTransportSendRecv(t *testing.T) {
	transports := startCluster(t, 2)
	defer closeAll(transports)

	var got0, got1 []byte
	var err0, err1 error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		got0, err0 = transports[0].SendRecv(context.Background(), 1, []byte("ping"))
	}()
	go func() {
		defer wg.Done()
		got1, err1 = transports[1].SendRecv(context.Background(), 0, []byte("pong"))
	}()
	wg.Wait()

	require.NoError(t, err0)
	require.NoError(t, err1)
	require.Equal(t, "pong", string(got0))
	require.Equal(t, "ping", string(got1))
}
