package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clustercore",
		Short: "clustercore - controller cluster coordination",
		Long: `clustercore runs the coordination core of a controller cluster: membership,
device mastership, id block allocation and logical clocks.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:9876", "Messaging endpoint of the node to query")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(nodesCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(setRoleCmd())
	rootCmd.AddCommand(requestRoleCmd())
	rootCmd.AddCommand(allocCmd())
	rootCmd.AddCommand(timestampCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
