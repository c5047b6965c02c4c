// Command tcpdial opens a TCP connection through a netstack.Stack attached
// to a host TUN device, optionally resolving its target hostname first and
// probing reachability with a real ICMP echo before handing off to the
// userspace stack. It copies stdin to the connection and the connection to
// stdout, in the manner of a minimal netcat.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/jbush001/netstack/internal/netstack"
	"github.com/jbush001/netstack/internal/resolver"
	"github.com/jbush001/netstack/internal/tuntap"
)

func main() {
	tunName := flag.String("tun", "tun0", "TUN interface name")
	localAddr := flag.String("local", "10.0.0.1", "this stack's IPv4 address")
	resolverAddr := flag.String("resolver", "8.8.8.8:53", "upstream DNS server for hostname lookups")
	skipPing := flag.Bool("skip-ping", false, "skip the ICMP reachability probe")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: tcpdial [flags] <host> <port>")
		os.Exit(2)
	}
	host := flag.Arg(0)
	port, err := strconv.ParseUint(flag.Arg(1), 10, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad port %q: %v\n", flag.Arg(1), err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	target, err := resolveTarget(ctx, host, *resolverAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if !*skipPing {
		if err := pingHost(ctx, target); err != nil {
			fmt.Fprintf(os.Stderr, "warning: icmp probe failed: %v\n", err)
		}
	}

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

	conn, err := stack.DialTCP(ctx, target, uint16(port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	go io.Copy(conn, os.Stdin)
	io.Copy(os.Stdout, conn)
}

// resolveTarget parses host as a literal address, falling back to a DNS
// lookup against resolverAddr.
func resolveTarget(ctx context.Context, host, resolverAddr string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	addr, err := resolver.New(resolverAddr).LookupHost(ctx, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	return addr, nil
}

// pingHost sends a single ICMP echo request via the host kernel's raw ICMP
// socket, independent of the stack being built, to give an early signal
// that the target is reachable at all before attempting the handshake.
func pingHost(ctx context.Context, target netip.Addr) error {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("listen icmp: %w", err)
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("tcpdial"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("marshal icmp echo: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.WriteTo(wb, &net.IPAddr{IP: target.AsSlice()}); err != nil {
		return fmt.Errorf("write icmp echo: %w", err)
	}

	rb := make([]byte, 1500)
	n, _, err := conn.ReadFrom(rb)
	if err != nil {
		return fmt.Errorf("read icmp reply: %w", err)
	}
	reply, err := icmp.ParseMessage(1, rb[:n])
	if err != nil {
		return fmt.Errorf("parse icmp reply: %w", err)
	}
	if reply.Type != ipv4.ICMPTypeEchoReply {
		return fmt.Errorf("unexpected icmp reply type %v", reply.Type)
	}
	return nil
}

type netAddr struct{ addr netip.Addr }

func (a *netAddr) Network() string { return "ip4:icmp" }
func (a *netAddr) String() string  { return a.addr.String() }
