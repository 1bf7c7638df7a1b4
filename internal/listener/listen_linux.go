//go:build linux

package listener

import (
	"context"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// Listen opens a TCP listener on addr with a backlog of Backlog.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}
	tcpAddr, err := resolve(ctx, host, port)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		s := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(s.Addr[:], ip4)
		sa = s
	} else {
		family = unix.AF_INET6
		s := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(s.Addr[:], tcpAddr.IP.To16())
		sa = s
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, xerrors.Wrapf(os.NewSyscallError("socket", err), "listen %s", addr)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, xerrors.Wrapf(os.NewSyscallError("setsockopt", err), "listen %s", addr)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, xerrors.Wrapf(os.NewSyscallError("bind", err), "listen %s", addr)
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		_ = unix.Close(fd)
		return nil, xerrors.Wrapf(os.NewSyscallError("listen", err), "listen %s", addr)
	}

	// FileListener dups the descriptor, f owns the original
	f := os.NewFile(uintptr(fd), "tcp:"+addr)
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}
	return ln, nil
}

func resolve(ctx context.Context, host, port string) (*net.TCPAddr, error) {
	p, err := net.DefaultResolver.LookupPort(ctx, "tcp", port)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return &net.TCPAddr{Port: p}, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: p}, nil
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, xerrors.Newf("no addresses for %s", host)
	}
	// prefer IPv4, like the rest of the probe's defaults
	for _, ip := range ips {
		if ip.To4() != nil {
			return &net.TCPAddr{IP: ip, Port: p}, nil
		}
	}
	return &net.TCPAddr{IP: ips[0], Port: p}, nil
}
