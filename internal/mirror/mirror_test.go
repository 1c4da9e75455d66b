package mirror

import (
	"bufio"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/srg/databloom/internal/sample"
	"github.com/srg/databloom/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMirror(t *testing.T, opts Options) *Mirror {
	t.Helper()
	m, err := Open(opts, testutils.QuietLogger())
	if err != nil {
		t.Skipf("PTY unavailable: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMirror_StreamsRecordsToSlave(t *testing.T) {
	m := openMirror(t, Options{})

	tty, err := os.OpenFile(m.TTYName(), os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	defer tty.Close()

	lines := make(chan string, 4)
	go func() {
		r := bufio.NewReader(tty)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	m.WriteSample(sample.Payload{Seq: 7, MoistureRaw: 600, TempC: 22.1, LightRaw: 120})
	m.WriteSample(sample.Payload{Seq: 8, MoistureRaw: 601, TempC: 22, LightRaw: 119})

	for _, want := range []string{"7,600,22.1,120\n", "8,601,22,119\n"} {
		select {
		case got := <-lines:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	st := m.Stats()
	assert.Equal(t, uint64(2), st.Records)
	assert.Equal(t, uint64(len("7,600,22.1,120\n8,601,22,119\n")), st.Written)
	assert.Zero(t, st.Dropped)
}

func TestMirror_OverflowDropsAndCounts(t *testing.T) {
	m := openMirror(t, Options{BufferSize: 8})

	n, err := m.Write([]byte("0123456789abcdefghij"))
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 8)
	assert.Equal(t, uint64(20-n), m.Stats().Dropped)
	assert.Equal(t, 8, m.Stats().Capacity)
}

func TestMirror_Symlink(t *testing.T) {
	link := filepath.Join(t.TempDir(), "databloom")
	m := openMirror(t, Options{Link: link})

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, m.TTYName(), target)
	assert.Equal(t, link, m.Path())

	require.NoError(t, m.Close())
	_, err = os.Lstat(link)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMirror_SymlinkRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o644))

	_, err := Open(Options{Link: path}, testutils.QuietLogger())
	require.Error(t, err)
	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "keep", string(data))
}

func TestMirror_WriteAfterClose(t *testing.T) {
	m := openMirror(t, Options{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
	m.WriteSample(sample.Payload{Seq: 1})
	assert.Zero(t, m.Stats().Records)
}
