// Package mirror republishes the decoded record stream on a pseudo-terminal so serial
// tools (screen, minicom, pyserial) can read it as if the sensor were wired over UART.
//
//	m, err := mirror.Open(mirror.Options{Link: "/tmp/databloom"}, logger)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//	m.WriteSample(p) // "1234,600,22.1,120\n" on /tmp/databloom
//
// Writes never block. Records are queued in a byte ring and a poll-driven loop copies them
// to the PTY master; when the ring is full the tail of a record is dropped and counted.
// Whatever the reader sends back is drained and discarded.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/databloom/internal/groutine"
	"github.com/srg/databloom/internal/sample"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Options configures a Mirror.
type Options struct {
	BufferSize  int           `default:"4096"`
	PollTimeout time.Duration `default:"50ms"`
	// Link is an optional symlink created to the slave device and removed on Close.
	Link string
	// OnError is called at most once when the write loop hits an unrecoverable error.
	OnError func(error)
}

// Stats are the mirror counters.
type Stats struct {
	Queued    int
	Capacity  int
	Records   uint64
	Written   uint64 // bytes copied to the PTY
	Dropped   uint64 // bytes lost to ring overflow
	Discarded uint64 // bytes received from the reader and thrown away
}

// Mirror owns a PTY pair. Safe for concurrent use.
type Mirror struct {
	logger  *logrus.Logger
	opts    Options
	master  *os.File
	slave   *os.File
	ttyName string
	link    string

	ring *ringbuffer.RingBuffer
	wake chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	closed  atomic.Bool

	records   atomic.Uint64
	written   atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
}

// Open creates the PTY pair, puts the slave in raw mode and starts the loops.
func Open(opts Options, logger *logrus.Logger) (*Mirror, error) {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		logger:  logger,
		opts:    opts,
		master:  master,
		slave:   slave,
		ttyName: slave.Name(),
		ring:    ringbuffer.New(opts.BufferSize),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	if opts.Link != "" {
		if err := replaceSymlink(m.ttyName, opts.Link); err != nil {
			cancel()
			_ = master.Close()
			_ = slave.Close()
			return nil, err
		}
		m.link = opts.Link
	}

	m.wg.Add(2)
	groutine.Go(ctx, "mirror-write-loop", func(ctx context.Context) {
		defer m.wg.Done()
		m.writeLoop(master)
	})
	groutine.Go(ctx, "mirror-drain-loop", func(ctx context.Context) {
		defer m.wg.Done()
		m.drainLoop(master)
	})

	logger.WithFields(logrus.Fields{
		"tty":  m.ttyName,
		"link": m.link,
	}).Info("PTY mirror opened")
	return m, nil
}

// TTYName returns the slave device path, e.g. /dev/pts/5.
func (m *Mirror) TTYName() string { return m.ttyName }

// Path returns the symlink when one was requested, else the slave device path.
func (m *Mirror) Path() string {
	if m.link != "" {
		return m.link
	}
	return m.ttyName
}

// Write queues b without blocking. A short count means the ring overflowed.
func (m *Mirror) Write(b []byte) (int, error) {
	if m.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	n, err := m.ring.Write(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return 0, err
	}
	if n < len(b) {
		lost := len(b) - n
		m.dropped.Add(uint64(lost))
		m.logger.WithFields(logrus.Fields{
			"dropped": lost,
			"queued":  n,
		}).Warn("PTY mirror buffer overflow")
	}
	if n > 0 {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	return n, nil
}

// WriteSample queues the CSV line of p.
func (m *Mirror) WriteSample(p sample.Payload) {
	if _, err := m.Write(p.AppendCSV(make([]byte, 0, 32))); err != nil {
		m.logger.WithError(err).Debug("PTY mirror write skipped")
		return
	}
	m.records.Add(1)
}

func (m *Mirror) Stats() Stats {
	return Stats{
		Queued:    m.ring.Length(),
		Capacity:  m.ring.Capacity(),
		Records:   m.records.Load(),
		Written:   m.written.Load(),
		Dropped:   m.dropped.Load(),
		Discarded: m.discarded.Load(),
	}
}

// Close stops the loops, closes both ends and removes the symlink. Safe to call twice.
func (m *Mirror) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	var errs []error
	if err := m.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := m.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "mirror-wait-close", func(context.Context) {
		m.wg.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(m.opts.PollTimeout*2 + time.Second):
		m.logger.WithField("tty", m.ttyName).Warn("PTY mirror loops did not exit in time")
	}

	if m.link != "" {
		if err := os.Remove(m.link); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove mirror link: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mirror) writeLoop(master *os.File) {
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	timeout := int(m.opts.PollTimeout / time.Millisecond)
	buf := make([]byte, 4096)

	for {
		if m.ring.IsEmpty() {
			select {
			case <-m.ctx.Done():
				return
			case <-m.wake:
			case <-time.After(m.opts.PollTimeout):
				continue
			}
		}
		if m.ctx.Err() != nil {
			return
		}

		n, err := m.ring.TryRead(buf)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			continue
		}

		for off := 0; off < n; {
			w, err := master.Write(buf[off:n])
			if w > 0 {
				off += w
				m.written.Add(uint64(w))
			}
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if m.ctx.Err() != nil {
					return
				}
				if _, perr := unix.Poll(fds, timeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					m.logger.WithError(perr).Debug("PTY mirror poll failed")
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				m.fail(fmt.Errorf("PTY mirror write: %w", err))
				return
			}
		}
	}
}

// drainLoop discards input so a chatty reader cannot fill the slave's buffer.
func (m *Mirror) drainLoop(master *os.File) {
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	timeout := int(m.opts.PollTimeout / time.Millisecond)
	buf := make([]byte, 1024)

	for m.ctx.Err() == nil {
		ready, err := unix.Poll(fds, timeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			m.logger.WithError(err).Debug("PTY mirror poll failed")
			continue
		}
		if ready == 0 {
			continue
		}
		n, err := master.Read(buf)
		if n > 0 {
			m.discarded.Add(uint64(n))
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
			// no reader attached; back off until one opens the slave
			time.Sleep(m.opts.PollTimeout)
		default:
			return
		}
	}
}

func (m *Mirror) fail(err error) {
	m.logger.WithError(err).Error("PTY mirror stopped")
	if m.opts.OnError != nil {
		m.errOnce.Do(func() { m.opts.OnError(err) })
	}
}

// openRaw opens a PTY pair with a raw slave and a non-blocking master.
func openRaw() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(step string, cause error) error {
		_ = master.Close()
		_ = slave.Close()
		return fmt.Errorf("failed to %s on %s: %w", step, slave.Name(), cause)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, cleanup("set raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, cleanup("set non-blocking mode", err)
	}
	return master, slave, nil
}

func replaceSymlink(target, link string) error {
	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("mirror link %s exists and is not a symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("replace mirror link: %w", err)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("create mirror link: %w", err)
	}
	return nil
}
