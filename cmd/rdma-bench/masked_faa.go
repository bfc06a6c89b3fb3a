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

func maskedFAACmd() *cobra.Command {
	return &cobra.Command{
		Use:   "masked-faa",
		Short: "Two-node masked bitfield FAA check: add=3 into bits [15:8] of a zeroed remote cell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaskedFAA(flagRank, flagSize, flagCoordinator, flagDevice)
		},
	}
}

func runMaskedFAA(rank, size int, coordAddr, device string) error {
	ctx, err := rdma.Open(device)
	if err != nil {
		return err
	}
	defer ctx.Close()

	transport, err := bootstrap.NewTCPTransport(context.Background(), coordAddr, rank, size)
	if err != nil {
		return err
	}

	cell := make([]byte, 8)
	scratch := make([]byte, 8)
	if ctx.RegisterMemory(unsafe.Pointer(&cell[0]), 8, rdma.PermAll) < 0 {
		return fmt.Errorf("register_memory (cell) failed")
	}
	if ctx.RegisterMemory(unsafe.Pointer(&scratch[0]), 8, rdma.PermAll) < 0 {
		return fmt.Errorf("register_memory (scratch) failed")
	}

	cluster := rdma.NewCluster(ctx, transport)
	if err := cluster.Establish(1, 0, nil); err != nil {
		return err
	}
	defer cluster.Close()

	if err := cluster.Sync(); err != nil {
		return err
	}

	if rank != 0 {
		return cluster.Sync()
	}

	peer := cluster.Peer(1)
	remoteAddr, _ := peer.RemoteMR(0) // rank 1's cell, registered first at its Context
	ep := peer.RC(0)

	const add, highBit, lowBit = 3, 15, 8
	if ret := ep.FieldFAA(remoteAddr, unsafe.Pointer(&scratch[0]), add, highBit, lowBit, true, 1); ret != 0 {
		return fmt.Errorf("field_faa failed: %d", ret)
	}
	ep.PollSendN(1)

	fetched := *(*uint64)(unsafe.Pointer(&scratch[0]))
	if fetched != 0 {
		return fmt.Errorf("field_faa: expected local fetch 0, got %#x", fetched)
	}

	if ret := ep.Read(unsafe.Pointer(&scratch[0]), remoteAddr, 8, true, 2); ret != 0 {
		return fmt.Errorf("read-back failed: %d", ret)
	}
	ep.PollSendN(1)

	got := *(*uint64)(unsafe.Pointer(&scratch[0]))
	const want = 0x0000_0000_0000_0300
	if got != want {
		return fmt.Errorf("masked faa bitfield check failed: got %#x want %#x", got, want)
	}

	log.Info().Uint64("cell", got).Msg("masked faa bitfield check passed")
	return cluster.Sync()
}
