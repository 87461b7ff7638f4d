package network

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"chunkxfer/internal/errors"

	"golang.org/x/net/netutil"
)

const (
	keepAlivePeriod = 30 * time.Second
	fallbackIP      = "127.0.0.1"
)

// Interfaces created by container runtimes are never a useful address to
// show a user.
var virtualInterfacePrefixes = []string{"docker", "br-", "veth"}

// Listen opens a TCP listener on addr. When maxConns is positive, at most
// that many accepted connections are open at once; further Accept calls
// block until one closes.
func Listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.NewTransportError("listen", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// Dial connects to addr, giving up after timeout (zero means no limit).
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout, KeepAlive: keepAlivePeriod}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewTransportError("dial", addr, err)
	}
	return conn, nil
}

// OptimizeTCPConnection applies TCP optimizations to a connection
func OptimizeTCPConnection(conn net.Conn) error {
	tcpConn, isTCP := conn.(*net.TCPConn)
	if !isTCP {
		return nil // Not a TCP connection, skip optimizations
	}

	// Enable keep-alive to detect dead connections
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return errors.NewTransportError("set_keepalive", conn.RemoteAddr().String(), err)
	}

	if err := tcpConn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
		slog.Warn("Failed to set TCP keepalive period", "error", err)
	}

	// Chunks are tiny; don't let Nagle hold them back
	if err := tcpConn.SetNoDelay(true); err != nil {
		slog.Warn("Failed to disable Nagle's algorithm", "error", err)
	}

	return nil
}

// PeerString formats the remote end of conn as host:port, or "?:?" when it
// is unknown.
func PeerString(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return "?:?"
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "?:?"
	}
	return net.JoinHostPort(host, port)
}

// DetectLocalIP picks an IPv4 address of an up, non-loopback interface to
// display to users. It falls back to 127.0.0.1.
func DetectLocalIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Debug("Failed to list interfaces", "error", err)
		return fallbackIP
	}

	for _, iface := range ifaces {
		if !usableInterface(iface) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if ip := firstIPv4(addrs); ip != "" {
			return ip
		}
	}
	return fallbackIP
}

func usableInterface(iface net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	for _, prefix := range virtualInterfacePrefixes {
		if strings.HasPrefix(iface.Name, prefix) {
			return false
		}
	}
	return true
}

func firstIPv4(addrs []net.Addr) string {
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
			return ip4.String()
		}
	}
	return ""
}

// DisplayAddress replaces an unspecified listen host with the detected
// local IP so users get an address they can dial.
func DisplayAddress(listenAddr net.Addr) string {
	host, port, err := net.SplitHostPort(listenAddr.String())
	if err != nil {
		return listenAddr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = DetectLocalIP()
	}
	return net.JoinHostPort(host, port)
}
