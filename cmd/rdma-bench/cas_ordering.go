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

const (
	casBatchSize  = 64
	casNumBatches = 100_000
)

func casOrderingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cas-ordering",
		Short: "Two-node CAS-ordering stress test (rank 0 drives, rank 1 hosts the cell)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCASOrdering(flagRank, flagSize, flagCoordinator, flagDevice)
		},
	}
}

// runCASOrdering posts casNumBatches batches of casBatchSize CAS WRs
// against a single remote 8-byte cell, starting from 0 and incrementing
// the swap value by 1 each WR, and checks after each batch that the
// prior values returned form the expected run of consecutive integers —
// the within-QP FIFO-completion ordering guarantee.
func runCASOrdering(rank, size int, coordAddr, device string) error {
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
	_ = ctx.RegisterMemory(unsafe.Pointer(&cell[0]), 8, rdma.PermAll)

	scratch := make([]byte, casBatchSize*8)
	mrIdx := ctx.RegisterMemory(unsafe.Pointer(&scratch[0]), uintptr(len(scratch)), rdma.PermAll)
	if mrIdx < 0 {
		return fmt.Errorf("register_memory failed")
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
		log.Info().Msg("cell host ready")
		return cluster.Sync()
	}

	peer := cluster.Peer(1)
	remoteAddr, _ := peer.RemoteMR(0)
	ep := peer.RC(0)

	var checkCounter uint64
	for batch := 0; batch < casNumBatches; batch++ {
		for i := 0; i < casBatchSize; i++ {
			swap := checkCounter + uint64(i) + 1
			localBuf := unsafe.Pointer(&scratch[i*8])
			signaled := i == casBatchSize-1
			if ret := ep.AtomicCAS(remoteAddr, localBuf, swap-1, swap, signaled, uint64(i)); ret != 0 {
				return fmt.Errorf("cas failed at batch %d slot %d: %d", batch, i, ret)
			}
		}
		ep.PollSendN(1)

		for i := 0; i < casBatchSize; i++ {
			got := *(*uint64)(unsafe.Pointer(&scratch[i*8]))
			want := checkCounter + uint64(i)
			if got != want {
				return fmt.Errorf("order check failed at batch %d slot %d: got %d want %d", batch, i, got, want)
			}
		}
		checkCounter += casBatchSize
	}

	log.Info().Uint64("final_value", checkCounter).Msg("cas-ordering complete, no order check failures")
	return cluster.Sync()
}
