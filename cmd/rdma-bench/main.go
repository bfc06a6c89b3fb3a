// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

// Command rdma-bench drives a handful of end-to-end scenarios:
// a two-node hello exchange, a CAS-ordering stress test, an XRC fan-in
// test, and a masked-FAA bitfield check. Every subcommand takes --rank,
// --size, and --coordinator so it can be launched once per process under
// any simple process launcher.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagRank        int
	flagSize        int
	flagCoordinator string
	flagDevice      string
	flagVerbose     bool
)

func main() {
	root := &cobra.Command{
		Use:   "rdma-bench",
		Short: "End-to-end test drivers for the rdmalib mesh library",
	}
	root.PersistentFlags().IntVar(&flagRank, "rank", 0, "this process's rank")
	root.PersistentFlags().IntVar(&flagSize, "size", 2, "total number of participating processes")
	root.PersistentFlags().StringVar(&flagCoordinator, "coordinator", "127.0.0.1:28100", "rendezvous coordinator address, hosted by rank 0")
	root.PersistentFlags().StringVar(&flagDevice, "device", "", "RNIC device name (default: first available)")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	root.AddCommand(helloCmd())
	root.AddCommand(casOrderingCmd())
	root.AddCommand(xrcFanInCmd())
	root.AddCommand(maskedFAACmd())

	cobra.OnInitialize(func() {
		level := zerolog.InfoLevel
		if flagVerbose {
			level = zerolog.DebugLevel
		}
		log.Logger = log.Logger.Level(level).With().Int("rank", flagRank).Logger()
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
