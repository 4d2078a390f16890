package session

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/relay/pkg/relay/logging"
)

// mockConn implements net.Conn for testing. Reads drain a fixed input and
// then report io.EOF; deadlines are recorded but never fire.
type mockConn struct {
	readData  *strings.Reader
	writeData *strings.Builder
	closes    int
	deadline  time.Time
	mu        sync.Mutex
}

func newMockConn(data string) *mockConn {
	return &mockConn{
		readData:  strings.NewReader(data),
		writeData: &strings.Builder{},
	}
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	return m.readData.Read(b)
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeData.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *mockConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8080}
}

func (m *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345}
}

func (m *mockConn) SetDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	return nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error {
	return m.SetDeadline(t)
}

func (m *mockConn) SetWriteDeadline(t time.Time) error {
	return m.SetDeadline(t)
}

func (m *mockConn) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *mockConn) GetWritten() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeData.String()
}

// logBuffer collects logger output from the session goroutine.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) HasLevel(level logging.Level) bool {
	return strings.Contains(b.String(), `"level":"`+level.String()+`"`)
}

func newTestLogger() (*logging.Logger, *logBuffer) {
	buf := &logBuffer{}
	return logging.NewWriter(buf, logging.LevelDebug), buf
}

// recorder is a Handler that records request lines.
type recorder struct {
	mu    sync.Mutex
	lines []string
	fn    func(ex *Exchange) error
}

func (r *recorder) ServeExchange(ex *Exchange) error {
	r.mu.Lock()
	r.lines = append(r.lines, string(ex.Line()))
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ex)
	}
	return nil
}

func (r *recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type staticLocator string

func (l staticLocator) Country(ip string) string {
	return string(l)
}

// waitForState polls until s reaches want or the timeout expires.
func waitForState(s *Session, want State, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return s.State() == want
}

// failingConn is a mockConn whose reads always fail with err.
type failingConn struct {
	*mockConn
	err error
}

func (c *failingConn) Read(b []byte) (int, error) {
	return 0, c.err
}
