//go:build linux

package crake

import (
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// sock maps a non-blocking TCP file descriptor to the session socket
// contract: (0, nil) when the operation would block, io.EOF at end of
// stream.
type sock struct {
	fd   int
	r    *Reactor
	addr net.Addr
}

func newSock(r *Reactor, fd int, addr net.Addr) *sock {
	return &sock{fd: fd, r: r, addr: addr}
}

func (s *sock) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			return 0, os.NewSyscallError("read", err)
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *sock) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

func (s *sock) Close() error {
	s.r.detach(s.fd)
	return closeFD(s.fd)
}

func (s *sock) RemoteAddr() net.Addr {
	return s.addr
}

// listenTCP opens a non-blocking listening socket on addr.
func listenTCP(addr string) (int, net.Addr, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, err
	}
	fd, err := newTCPSocket(ta.IP)
	if err != nil {
		return -1, nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, toSockaddr(ta)); err != nil {
		unix.Close(fd)
		return -1, nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, 511); err != nil {
		unix.Close(fd)
		return -1, nil, os.NewSyscallError("listen", err)
	}
	return fd, ta, nil
}

// acceptTCP accepts one pending connection. It returns fd -1 with a nil
// error when no connection is pending.
func acceptTCP(lfd int) (int, net.Addr, error) {
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.ECONNABORTED {
			return -1, nil, nil
		}
		if err != nil {
			return -1, nil, os.NewSyscallError("accept4", err)
		}
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		return fd, fromSockaddr(sa), nil
	}
}

// dialTCP starts a non-blocking connect. connected reports whether the
// connection completed immediately; otherwise completion is signaled by
// write readiness and checked with connectDone.
func dialTCP(addr string) (fd int, raddr net.Addr, connected bool, err error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, false, err
	}
	fd, err = newTCPSocket(ta.IP)
	if err != nil {
		return -1, nil, false, err
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	err = unix.Connect(fd, toSockaddr(ta))
	if err == unix.EINPROGRESS {
		return fd, ta, false, nil
	}
	if err != nil {
		unix.Close(fd)
		return -1, nil, false, os.NewSyscallError("connect", err)
	}
	return fd, ta, true, nil
}

// connectDone reads the socket error after write readiness signaled the
// end of a non-blocking connect.
func connectDone(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soerr != 0 {
		return os.NewSyscallError("connect", unix.Errno(soerr))
	}
	return nil
}

func closeFD(fd int) error {
	return os.NewSyscallError("close", unix.Close(fd))
}

func newTCPSocket(ip net.IP) (int, error) {
	family := unix.AF_INET
	if ip != nil && ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

func toSockaddr(a *net.TCPAddr) unix.Sockaddr {
	if ip4 := a.IP.To4(); ip4 != nil || a.IP == nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return sa
}

func fromSockaddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	}
	return &net.TCPAddr{}
}
