// Command udpecho listens on a UDP port through a netstack.Stack attached
// to a host TUN device and echoes every datagram it receives back to its
// sender, as a small smoke test for the stack's UDP path.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"

	"github.com/jbush001/netstack/internal/netstack"
	"github.com/jbush001/netstack/internal/tuntap"
)

func main() {
	tunName := flag.String("tun", "tun0", "TUN interface name")
	localAddr := flag.String("local", "10.0.0.1", "this stack's IPv4 address")
	port := flag.Uint("port", 7007, "UDP port to echo on")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	dev, err := tuntap.Open(*tunName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer dev.Close()

	stack := netstack.New(
		netstack.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))),
		netstack.WithIPv4Address(netip.MustParseAddr(*localAddr)),
	)
	defer stack.Close()
	stack.Attach(ctx, dev)

	sock, err := stack.ListenUDP(uint16(*port))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer sock.Close()

	buf := make([]byte, 65536)
	for {
		n, from, fromPort, err := sock.RecvFrom(ctx, buf)
		if err != nil {
			return
		}
		if err := sock.SendTo(from, fromPort, buf[:n]); err != nil {
			slog.Warn("udpecho: send failed", "error", err)
		}
	}
}
