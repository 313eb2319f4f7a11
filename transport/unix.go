package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by non-blocking reads and writes that
// cannot make progress without waiting.
var ErrWouldBlock = errors.New("operation would block")

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = net.ErrClosed

// Event is a readiness condition for [Transport.Wait].
type Event int

const (
	// Readable waits for incoming data, end of stream or a socket
	// error.
	Readable Event = iota
	// Writable waits for room in the socket's send buffer.
	Writable
)

// Transport is a raw, non-blocking DBus connection.
//
// The underlying descriptor is exposed so that event loops can poll
// it. Read and Write never block, and report [ErrWouldBlock] when the
// socket is not ready.
type Transport interface {
	// Fd returns the socket's file descriptor, or -1 once closed.
	Fd() int
	// Read reads available bytes. It returns [io.EOF] when the peer
	// has hung up.
	Read(bs []byte) (int, error)
	// Write writes as many bytes of bs as the socket accepts.
	Write(bs []byte) (int, error)
	// WriteWithFiles is like Transport.Write, but additionally sends
	// the given files as ancillary data.
	WriteWithFiles(bs []byte, fs []*os.File) (int, error)
	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)
	// Wait blocks until the socket is ready for ev, or timeout
	// elapses. A negative timeout waits forever. Wait reports whether
	// the socket became ready.
	Wait(ev Event, timeout time.Duration) (bool, error)
	// Close closes the socket and any received files that were never
	// claimed.
	Close() error
}

// DialUnix connects to the bus at the given path and authenticates.
//
// Paths starting with '@' name sockets in the abstract namespace.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	ret := newUnixTransport(fd)

	if deadline, ok := ctx.Deadline(); ok {
		tv := unix.NsecToTimeval(max(time.Until(deadline), time.Millisecond).Nanoseconds())
		for _, opt := range []int{unix.SO_RCVTIMEO, unix.SO_SNDTIMEO} {
			if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv); err != nil {
				ret.Close()
				return nil, os.NewSyscallError("setsockopt", err)
			}
		}
	}

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		ret.Close()
		return nil, os.NewSyscallError("connect", err)
	}
	if err := ret.auth(); err != nil {
		ret.Close()
		return nil, err
	}

	var zero unix.Timeval
	for _, opt := range []int{unix.SO_RCVTIMEO, unix.SO_SNDTIMEO} {
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &zero); err != nil {
			ret.Close()
			return nil, os.NewSyscallError("setsockopt", err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		ret.Close()
		return nil, os.NewSyscallError("setnonblock", err)
	}

	return ret, nil
}

// Pair returns two connected, unauthenticated transports. It is
// intended for tests and in-process peers, which speak DBus messages
// to each other directly.
func Pair() (Transport, Transport, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return newUnixTransport(fds[0]), newUnixTransport(fds[1]), nil
}

// unixTransport is a Transport that runs over a Unix domain socket.
type unixTransport struct {
	fd  int
	oob [512]byte
	fds *queue.Queue[*os.File]
}

func newUnixTransport(fd int) *unixTransport {
	return &unixTransport{
		fd:  fd,
		fds: queue.New[*os.File](),
	}
}

func (u *unixTransport) Fd() int { return u.fd }

func (u *unixTransport) Read(bs []byte) (int, error) {
	if u.fd < 0 {
		return 0, ErrClosed
	}
	for {
		n, oobn, flags, _, err := unix.Recvmsg(u.fd, bs, u.oob[:], unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		if oobn > 0 {
			if oobErr := u.parseFDs(u.oob[:oobn]); oobErr != nil {
				return 0, oobErr
			}
		}
		if flags&unix.MSG_CTRUNC != 0 {
			return 0, errors.New("control message truncated")
		}
		if err != nil {
			return 0, os.NewSyscallError("recvmsg", err)
		}
		if n == 0 && len(bs) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (u *unixTransport) Write(bs []byte) (int, error) {
	return u.WriteWithFiles(bs, nil)
}

func (u *unixTransport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if u.fd < 0 {
		return 0, ErrClosed
	}
	var scm []byte
	if len(fs) > 0 {
		fds := make([]int, 0, len(fs))
		for _, f := range fs {
			fds = append(fds, int(f.Fd()))
		}
		scm = unix.UnixRights(fds...)
	}
	for {
		n, err := unix.SendmsgN(u.fd, bs, scm, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		if err != nil {
			return n, os.NewSyscallError("sendmsg", err)
		}
		return n, nil
	}
}

func (u *unixTransport) Wait(ev Event, timeout time.Duration) (bool, error) {
	if u.fd < 0 {
		return false, ErrClosed
	}
	events := int16(unix.POLLIN)
	if ev == Writable {
		events = unix.POLLOUT
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	pfd := []unix.PollFd{{Fd: int32(u.fd), Events: events}}
	for {
		n, err := unix.Poll(pfd, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, os.NewSyscallError("poll", err)
		}
		if pfd[0].Revents&unix.POLLNVAL != 0 {
			return false, ErrClosed
		}
		return n > 0, nil
	}
}

func (u *unixTransport) Close() error {
	u.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	u.fds.Clear()
	if u.fd < 0 {
		return nil
	}
	fd := u.fd
	u.fd = -1
	return unix.Close(fd)
}

func (u *unixTransport) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := u.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("requested file not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

func (u *unixTransport) auth() error {
	// In theory, we're supposed to speak SASL now and carefully
	// negotiate an authentication with the bus. However, in practice,
	// when you talk to busses over a unix socket, the bus
	// authenticates you with the peer credentials that it can pull
	// from the socket without the client's help.
	//
	// So, the auth handshake boils down to a preamble string we can
	// blast out in one block, and see if the response has the
	// expected happy path shape.
	uid := hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
	preamble := "\x00AUTH EXTERNAL " + uid + "\r\nNEGOTIATE_UNIX_FD\r\nBEGIN\r\n"
	if err := u.writeAll([]byte(preamble)); err != nil {
		return err
	}

	resp, err := u.readLine()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "OK ") {
		return fmt.Errorf("AUTH EXTERNAL failed, server said %q", strings.TrimSpace(resp))
	}

	resp, err = u.readLine()
	if err != nil {
		return err
	}
	if resp != "AGREE_UNIX_FD\r\n" {
		return fmt.Errorf("NEGOTIATE_UNIX_FD failed, server said %q", strings.TrimSpace(resp))
	}

	return nil
}

func (u *unixTransport) writeAll(bs []byte) error {
	for len(bs) > 0 {
		n, err := unix.Write(u.fd, bs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("write", err)
		}
		bs = bs[n:]
	}
	return nil
}

// readLine reads one auth protocol line a byte at a time, so that no
// message bytes following the handshake are consumed.
func (u *unixTransport) readLine() (string, error) {
	var (
		line []byte
		b    [1]byte
	)
	for len(line) < 1024 {
		n, err := unix.Read(u.fd, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return "", os.NewSyscallError("read", err)
		}
		if n == 0 {
			return "", io.ErrUnexpectedEOF
		}
		line = append(line, b[0])
		if b[0] == '\n' {
			return string(line), nil
		}
	}
	return "", errors.New("auth response line too long")
}

func (u *unixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Accumulate errors and keep parsing on errors. We want to
	// extract all provided file descriptors from the message, so that
	// we can correctly close all of them on error. If we bailed on
	// first error, we'd leave dangling fds in the process, and allow
	// for a DoS.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on dbus socket", fd))
			} else {
				u.fds.Add(f)
			}
		}
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	return nil
}
