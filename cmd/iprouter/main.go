// Command iprouter is a software IPv4 router.  It resolves next hops with
// ARP and forwards datagrams between ethernet interfaces using static and
// kernel routes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "iprouter",
	Short: "Software IPv4 router",
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}
