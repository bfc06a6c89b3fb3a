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

const helloOffset = 64

func helloCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hello",
		Short: "Ring hello: each rank writes a greeting into its next peer's buffer and reads its own",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHello(flagRank, flagSize, flagCoordinator, flagDevice)
		},
	}
}

func runHello(rank, size int, coordAddr, device string) error {
	ctx, err := rdma.Open(device)
	if err != nil {
		return err
	}
	defer ctx.Close()

	transport, err := bootstrap.NewTCPTransport(context.Background(), coordAddr, rank, size)
	if err != nil {
		return err
	}

	buf := make([]byte, 1024)
	mrIdx := ctx.RegisterMemory(unsafe.Pointer(&buf[0]), uintptr(len(buf)), rdma.PermAll)
	if mrIdx < 0 {
		return fmt.Errorf("register_memory failed")
	}

	cluster := rdma.NewCluster(ctx, transport)
	if err := cluster.Establish(1, 0, nil); err != nil {
		return err
	}
	defer cluster.Close()

	next := (rank + 1) % size
	peer := cluster.Peer(next)

	greeting := fmt.Sprintf("hello from %d", rank)
	copy(buf[helloOffset:], greeting)

	remoteAddr, _ := peer.RemoteMR(0)
	ep := peer.RC(0)
	if ret := ep.Write(remoteAddr+helloOffset, unsafe.Pointer(&buf[helloOffset]), uint32(len(greeting)), true, 1); ret != 0 {
		return fmt.Errorf("write failed: %d", ret)
	}
	ep.PollSendN(1)

	if err := cluster.Sync(); err != nil {
		return err
	}

	got := string(buf[helloOffset : helloOffset+len(greeting)])
	log.Info().Str("received", got).Msg("hello ring complete")
	fmt.Println(got)
	return nil
}
