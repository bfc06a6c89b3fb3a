// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package main

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/IcicleF/rdmalib"
	"github.com/IcicleF/rdmalib/bootstrap"
)

func xrcFanInCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "xrc-fanin",
		Short: "N-node XRC fan-in: every non-zero rank SENDs its rank number into rank 0's SRQ",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runXRCFanIn(flagRank, flagSize, flagCoordinator, flagDevice)
		},
	}
}

func runXRCFanIn(rank, size int, coordAddr, device string) error {
	if size < 3 {
		return fmt.Errorf("xrc-fanin requires at least 3 ranks, got %d", size)
	}

	ctx, err := rdma.Open(device)
	if err != nil {
		return err
	}
	defer ctx.Close()

	transport, err := bootstrap.NewTCPTransport(context.Background(), coordAddr, rank, size)
	if err != nil {
		return err
	}

	buf := make([]byte, 8*size)
	if ctx.RegisterMemory(unsafe.Pointer(&buf[0]), uintptr(len(buf)), rdma.PermAll) < 0 {
		return fmt.Errorf("register_memory failed")
	}

	cluster := rdma.NewCluster(ctx, transport)
	if err := cluster.Establish(0, 1, nil); err != nil {
		return err
	}
	defer cluster.Close()

	if rank == 0 {
		return runFanInRoot(cluster, size, buf)
	}
	return runFanInSender(cluster, rank, buf)
}

func runFanInRoot(cluster *rdma.Cluster, size int, buf []byte) error {
	received := make(map[uint64]bool, size-1)

	for rank := 1; rank < size; rank++ {
		peer := cluster.Peer(rank)
		ep := peer.XRC(0)
		slot := rank - 1
		if ret := ep.Recv(unsafe.Pointer(&buf[slot*8]), 8, uint64(rank)); ret != 0 {
			return fmt.Errorf("xrc recv failed for rank %d: %d", rank, ret)
		}
	}

	if err := cluster.Sync(); err != nil {
		return err
	}

	for rank := 1; rank < size; rank++ {
		ep := cluster.Peer(rank).XRC(0)
		wrIDs := ep.PollRecvN(1)
		slot := int(wrIDs[0]) - 1
		value := *(*uint64)(unsafe.Pointer(&buf[slot*8]))
		received[value] = true
	}

	for want := 1; want < size; want++ {
		if !received[uint64(want)] {
			return fmt.Errorf("xrc fan-in missing rank %d", want)
		}
	}

	log.Info().Int("senders", size-1).Msg("xrc fan-in complete, received set matches {1..N-1}")
	return nil
}

func runFanInSender(cluster *rdma.Cluster, rank int, buf []byte) error {
	*(*uint64)(unsafe.Pointer(&buf[0])) = uint64(rank)

	peer := cluster.Peer(0)
	ep := peer.XRC(0)

	if err := cluster.Sync(); err != nil {
		return err
	}

	if ret := ep.Send(unsafe.Pointer(&buf[0]), 8, peer.RemoteSRQ(0), true, uint64(rank)); ret != 0 {
		return fmt.Errorf("xrc send failed: %d", ret)
	}
	ep.PollSendN(1)
	return nil
}
