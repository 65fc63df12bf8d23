//go:build linux

package crake

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// epollPoller implements the poller over epoll with EPOLLONESHOT re-arm.
// An eventfd registered level-triggered carries wakeups.
type epollPoller struct {
	epfd   int
	wakefd int
	evs    []unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return &epollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		evs:    make([]unix.EpollEvent, 128),
	}, nil
}

func (p *epollPoller) Arm(fd int, read, write bool) error {
	events := uint32(unix.EPOLLONESHOT)
	if read {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	return os.NewSyscallError("epoll_ctl", err)
}

func (p *epollPoller) Del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return os.NewSyscallError("epoll_ctl", err)
}

func (p *epollPoller) Wait(events []pollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.evs, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("epoll_wait", err)
		}
		out := 0
		for i := 0; i < n; i++ {
			ev := p.evs[i]
			fd := int(ev.Fd)
			if fd == p.wakefd {
				p.drainWake()
				continue
			}
			e := pollEvent{fd: fd}
			if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				e.read = true
			}
			if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				e.write = true
			}
			if out < len(events) {
				events[out] = e
				out++
			}
		}
		return out, nil
	}
}

func (p *epollPoller) Wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if err == unix.EAGAIN {
		// Counter saturated; a wakeup is already pending.
		return nil
	}
	return os.NewSyscallError("write", err)
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	unix.Read(p.wakefd, buf[:])
}

func (p *epollPoller) Close() error {
	unix.Close(p.wakefd)
	return os.NewSyscallError("close", unix.Close(p.epfd))
}
