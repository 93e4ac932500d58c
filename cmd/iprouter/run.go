package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mdlayher/iprouter"
)

var runCmdArgs struct {
	ConfigPath string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Route between the configured interfaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(runCmdArgs.ConfigPath)
		if err != nil {
			return err
		}

		log, err := initLogging(&cfg.Logging)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, log)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	runCmd.MarkFlagRequired("config")
}

func run(ctx context.Context, cfg *Config, log *zap.Logger) error {
	r := iprouter.NewRouter(log.Named("router"))

	conns := make([]net.PacketConn, 0, len(cfg.Interfaces))
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}

	for _, ifc := range cfg.Interfaces {
		ifi, err := net.InterfaceByName(ifc.Name)
		if err != nil {
			closeAll()
			return fmt.Errorf("interface %q: %w", ifc.Name, err)
		}

		addr, err := interfaceAddr(ifi, ifc.Address)
		if err != nil {
			closeAll()
			return fmt.Errorf("interface %q: %w", ifc.Name, err)
		}

		iface, err := iprouter.NewInterface(ifi.HardwareAddr, addr, log.Named(ifc.Name))
		if err != nil {
			closeAll()
			return fmt.Errorf("interface %q: %w", ifc.Name, err)
		}

		c, err := iprouter.ListenPacket(ifi)
		if err != nil {
			closeAll()
			return err
		}

		r.AddInterface(iface)
		conns = append(conns, c)
	}

	routes, err := cfg.StaticRoutes()
	if err != nil {
		closeAll()
		return err
	}

	if cfg.ImportKernelRoutes {
		for idx, ifc := range cfg.Interfaces {
			krs, err := kernelRoutes(ifc.Name, idx)
			if err != nil {
				closeAll()
				return err
			}

			log.Info("imported kernel routes", zap.String("interface", ifc.Name), zap.Int("count", len(krs)))
			routes = append(routes, krs...)
		}
	}

	for _, rt := range routes {
		if err := r.InstallRoute(rt.Prefix.Addr(), rt.Prefix.Bits(), rt.NextHop, rt.Interface); err != nil {
			closeAll()
			return err
		}
	}

	log.Info("routing",
		zap.Int("interfaces", r.NumPorts()),
		zap.Int("routes", len(r.Routes())),
		zap.Duration("tick", cfg.Tick),
	)

	err = iprouter.Serve(ctx, r, conns, cfg.Tick)

	for idx := range r.NumPorts() {
		for _, n := range r.Port(idx).Neighbors() {
			log.Info("neighbor",
				zap.String("interface", cfg.Interfaces[idx].Name),
				zap.Stringer("ip", n.IP),
				zap.Stringer("hw_addr", n.HardwareAddr),
				zap.Duration("age", n.Age),
			)
		}
	}

	return err
}

func interfaceAddr(ifi *net.Interface, override string) (netip.Addr, error) {
	if override != "" {
		return parseIPv4(override)
	}

	return iprouter.InterfaceAddr(ifi)
}
