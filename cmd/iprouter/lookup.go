package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mdlayher/iprouter"
)

var lookupCmdArgs struct {
	ConfigPath string
}

var lookupCmd = &cobra.Command{
	Use:   "lookup ADDR",
	Short: "Show the static routes matching an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(lookupCmdArgs.ConfigPath)
		if err != nil {
			return err
		}

		return lookup(cmd.OutOrStdout(), cfg, args[0])
	},
}

func init() {
	lookupCmd.Flags().StringVarP(&lookupCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	lookupCmd.MarkFlagRequired("config")
}

// lookup prints every static route matching addr, longest prefix first,
// marking the one the router would select.
func lookup(w io.Writer, cfg *Config, addr string) error {
	dst, err := parseIPv4(addr)
	if err != nil {
		return err
	}

	routes, err := cfg.StaticRoutes()
	if err != nil {
		return err
	}

	table := iprouter.NewTable()
	for _, rt := range routes {
		if err := table.Install(rt); err != nil {
			return err
		}
	}

	best, ok := table.Lookup(dst)
	if !ok {
		fmt.Fprintf(w, "%s: no route\n", dst)
		return nil
	}

	for _, rt := range table.Matches(dst) {
		mark := " "
		if rt == best {
			mark = "*"
		}

		fmt.Fprintf(w, "%s %s (%s)\n", mark, rt, cfg.Interfaces[rt.Interface].Name)
	}

	return nil
}
