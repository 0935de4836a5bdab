//go:build linux

package epoll

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"onionsocks/internal/domain"
)

// LinuxEventLoop is a level-triggered epoll instance plus an eventfd used
// to interrupt Wait from other goroutines.
type LinuxEventLoop struct {
	epollFD int
	wakeFD  int
	raw     []unix.EpollEvent
}

func New() (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, evt); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, err
	}
	return &LinuxEventLoop{epollFD: fd, wakeFD: wfd}, nil
}

func toEpoll(events domain.EventType) uint32 {
	var ev uint32
	if events&domain.EventRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&domain.EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) domain.EventType {
	var out domain.EventType
	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		out |= domain.EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		out |= domain.EventWrite
	}
	if ev&unix.EPOLLERR != 0 {
		out |= domain.EventError
	}
	if ev&unix.EPOLLHUP != 0 {
		out |= domain.EventHangup
	}
	return out
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait fills events and returns how many are valid. Wakeups are consumed
// here and never surface as events. EINTR returns zero events.
func (l *LinuxEventLoop) Wait(events []domain.Event, timeout time.Duration) (int, error) {
	if cap(l.raw) < len(events) {
		l.raw = make([]unix.EpollEvent, len(events))
	}
	raw := l.raw[:len(events)]

	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(l.epollFD, raw, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}

	out := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == l.wakeFD {
			l.drainWake()
			continue
		}
		events[out] = domain.Event{FD: fd, Events: fromEpoll(raw[i].Events)}
		out++
	}
	return out, nil
}

func (l *LinuxEventLoop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

// Wake is safe to call from any goroutine.
func (l *LinuxEventLoop) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(l.wakeFD, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (l *LinuxEventLoop) Close() error {
	unix.Close(l.wakeFD)
	return unix.Close(l.epollFD)
}
