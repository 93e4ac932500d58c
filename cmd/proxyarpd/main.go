// Command proxyarpd answers ARP requests on behalf of another IPv4 address,
// claiming it for the hardware address of a local network interface.
package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mdlayher/iprouter"
)

var rootCmdArgs struct {
	// Interface is the network interface to use for ARP traffic.
	Interface string
	// IP is the IPv4 address to proxy ARP on behalf of.
	IP string
	// Verbose logs every request and reply.
	Verbose bool
}

var rootCmd = &cobra.Command{
	Use:   "proxyarpd",
	Short: "Answer ARP requests on behalf of another IPv4 address",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, err := parseProxyIP(rootCmdArgs.IP)
		if err != nil {
			return err
		}

		level := zapcore.InfoLevel
		if rootCmdArgs.Verbose {
			level = zapcore.DebugLevel
		}

		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		log, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, rootCmdArgs.Interface, ip, log)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&rootCmdArgs.Interface, "interface", "i", "eth0", "network interface to use for ARP traffic")
	rootCmd.Flags().StringVar(&rootCmdArgs.IP, "ip", "", "IP address for device to proxy ARP on behalf of")
	rootCmd.Flags().BoolVarP(&rootCmdArgs.Verbose, "verbose", "v", false, "log every ARP request and reply")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, name string, ip netip.Addr, log *zap.Logger) error {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return err
	}

	r, err := newProxy(ifi.HardwareAddr, ip, log)
	if err != nil {
		return err
	}

	c, err := iprouter.ListenPacket(ifi)
	if err != nil {
		return err
	}

	log.Info("proxying ARP",
		zap.String("interface", ifi.Name),
		zap.Stringer("ip", ip),
		zap.Stringer("hw_addr", ifi.HardwareAddr),
	)

	return iprouter.Serve(ctx, r, []net.PacketConn{c}, time.Second)
}

// newProxy returns a Router with a single interface which claims ip for hw.
// With no routes installed, it answers ARP requests for ip and drops every
// IPv4 datagram it receives.
func newProxy(hw net.HardwareAddr, ip netip.Addr, log *zap.Logger) (*iprouter.Router, error) {
	ifi, err := iprouter.NewInterface(hw, ip, log)
	if err != nil {
		return nil, err
	}

	r := iprouter.NewRouter(log)
	r.AddInterface(ifi)
	return r, nil
}

func parseProxyIP(s string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil || !ip.Is4() {
		return netip.Addr{}, fmt.Errorf("invalid IPv4 address: %q", s)
	}

	return ip, nil
}
