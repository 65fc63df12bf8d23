//go:build !linux

package crake

import (
	"errors"
	"net"
)

var errUnsupported = errors.New("crake: only supported on linux")

type sock struct {
	fd   int
	addr net.Addr
}

func newSock(r *Reactor, fd int, addr net.Addr) *sock {
	return &sock{fd: fd, addr: addr}
}

func (s *sock) Read(p []byte) (int, error)  { return 0, errUnsupported }
func (s *sock) Write(p []byte) (int, error) { return 0, errUnsupported }
func (s *sock) Close() error                { return errUnsupported }
func (s *sock) RemoteAddr() net.Addr        { return s.addr }

func listenTCP(addr string) (int, net.Addr, error) {
	return -1, nil, errUnsupported
}

func acceptTCP(lfd int) (int, net.Addr, error) {
	return -1, nil, errUnsupported
}

func dialTCP(addr string) (int, net.Addr, bool, error) {
	return -1, nil, false, errUnsupported
}

func connectDone(fd int) error { return errUnsupported }

func closeFD(fd int) error { return errUnsupported }

func newPoller() (poller, error) { return nil, errUnsupported }
