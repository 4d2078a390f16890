package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/yourusername/relay/pkg/relay/keepalive"
	"github.com/yourusername/relay/pkg/relay/listener"
	"github.com/yourusername/relay/pkg/relay/logging"
	"github.com/yourusername/relay/pkg/relay/metrics"
	"github.com/yourusername/relay/pkg/relay/session"
	"github.com/yourusername/relay/pkg/relay/tlsconf"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) HasWarning() bool {
	return strings.Contains(b.String(), `"level":"warn"`)
}

// echo answers every request line with "echo: <line>".
var echo = session.HandlerFunc(func(ex *session.Exchange) error {
	_, err := fmt.Fprintf(ex, "echo: %s\r\n", ex.Line())
	return err
})

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// roundTrip sends line and returns the response line.
func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, line string) string {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.WriteString(conn, line+"\r\n"); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
	resp, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read response to %q: %v", line, err)
	}
	return strings.TrimRight(resp, "\r\n")
}

func TestNewRequiresHandler(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New without a handler did not panic")
		}
	}()
	New(Config{})
}

func TestServeInMemory(t *testing.T) {
	logs := &syncBuffer{}
	d := New(Config{
		Handler: echo,
		Policy:  keepalive.Fixed(time.Second),
		Logger:  logging.NewWriter(logs, logging.LevelDebug),
	})

	inner := fasthttputil.NewInmemoryListener()
	l := listener.Wrap(inner, listener.Plain)

	served := make(chan error, 1)
	go func() {
		served <- d.Serve(l)
	}()

	conn, err := inner.Dial()
	if err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(conn)
	if got := roundTrip(t, conn, r, "GET /a HTTP/1.1"); got != "echo: GET /a HTTP/1.1" {
		t.Errorf("response = %q", got)
	}
	if got := roundTrip(t, conn, r, "GET /b HTTP/1.1"); got != "echo: GET /b HTTP/1.1" {
		t.Errorf("keep-alive response = %q", got)
	}
	conn.Close()

	// Closing the listener ends the loop without a warning.
	l.Close()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not stop after listener close")
	}
	if logs.HasWarning() {
		t.Errorf("listener close was logged as a warning: %s", logs.String())
	}
}

// flakyListener fails Accept a fixed number of times, then blocks until
// closed.
type flakyListener struct {
	failures chan error
	closed   chan struct{}
	once     sync.Once
}

func newFlakyListener(errs ...error) *flakyListener {
	l := &flakyListener{
		failures: make(chan error, len(errs)),
		closed:   make(chan struct{}),
	}
	for _, err := range errs {
		l.failures <- err
	}
	return l
}

func (l *flakyListener) Accept() (net.Conn, error) {
	select {
	case err := <-l.failures:
		return nil, err
	default:
	}
	<-l.closed
	return nil, errors.New("flaky listener closed")
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
}

func TestAcceptErrorRetried(t *testing.T) {
	logs := &syncBuffer{}
	mets := metrics.New()
	d := New(Config{
		Handler: echo,
		Logger:  logging.NewWriter(logs, logging.LevelDebug),
		Metrics: mets,
	})

	flaky := newFlakyListener(errors.New("too many open files"), errors.New("too many open files"))
	l := listener.Wrap(flaky, listener.Secure)

	served := make(chan error, 1)
	go func() {
		served <- d.Serve(l)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(flaky.failures) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give the second failure time to be logged.
	time.Sleep(50 * time.Millisecond)
	l.Close()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not stop")
	}

	out := logs.String()
	if strings.Count(out, `"level":"warn"`) != 2 {
		t.Errorf("want two accept warnings, got: %s", out)
	}
	if !strings.Contains(out, `"message":"HTTPS"`) || !strings.Contains(out, "too many open files") {
		t.Errorf("warning does not name the mode and cause: %s", out)
	}

	expected := `
# HELP relay_dispatch_accept_errors_total Total number of failed accept calls on a live listener
# TYPE relay_dispatch_accept_errors_total counter
relay_dispatch_accept_errors_total{listener="HTTPS"} 2
`
	if err := testutil.GatherAndCompare(mets.Registry(), strings.NewReader(expected), "relay_dispatch_accept_errors_total"); err != nil {
		t.Error(err)
	}
}

func TestSlowSessionDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	handler := session.HandlerFunc(func(ex *session.Exchange) error {
		if string(ex.Line()) == "SLOW" {
			<-release
		}
		_, err := fmt.Fprintf(ex, "done: %s\r\n", ex.Line())
		return err
	})

	d := New(Config{
		Listener: listener.Config{Address: "127.0.0.1", InsecurePort: freePort(t)},
		Handler:  handler,
		Policy:   keepalive.Fixed(time.Second),
	})
	defer d.Close()

	ls := d.Init(context.Background())
	if len(ls) != 1 {
		t.Fatalf("Init() bound %d listeners, want 1", len(ls))
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	addr := ls[0].Addr().String()

	slow, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer slow.Close()
	if _, err := io.WriteString(slow, "SLOW\r\n"); err != nil {
		t.Fatal(err)
	}

	fast, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer fast.Close()

	start := time.Now()
	if got := roundTrip(t, fast, bufio.NewReader(fast), "FAST"); got != "done: FAST" {
		t.Errorf("fast response = %q", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("fast connection took %v behind a slow one", elapsed)
	}

	close(release)
	slow.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := bufio.NewReader(slow).ReadString('\n')
	if err != nil || resp != "done: SLOW\r\n" {
		t.Errorf("slow response = %q, %v", resp, err)
	}
}

// brokenConn fails every read.
type brokenConn struct {
	net.Conn
}

func (c *brokenConn) Read(b []byte) (int, error) {
	return 0, errors.New("device not readable")
}

// breakFirst hands out its first accepted connection as a brokenConn.
type breakFirst struct {
	net.Listener
	once sync.Once
}

func (l *breakFirst) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	broken := false
	l.once.Do(func() { broken = true })
	if broken {
		return &brokenConn{Conn: conn}, nil
	}
	return conn, nil
}

func TestFailingSessionIsolated(t *testing.T) {
	logs := &syncBuffer{}
	d := New(Config{
		Handler: echo,
		Policy:  keepalive.Fixed(time.Second),
		Logger:  logging.NewWriter(logs, logging.LevelDebug),
	})

	inner := fasthttputil.NewInmemoryListener()
	l := listener.Wrap(&breakFirst{Listener: inner}, listener.Plain)

	served := make(chan error, 1)
	go func() {
		served <- d.Serve(l)
	}()

	bad, err := inner.Dial()
	if err != nil {
		t.Fatal(err)
	}
	defer bad.Close()
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bad.Read(make([]byte, 1))
	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Errorf("failing session: read = %v, want the connection closed", err)
	}

	good, err := inner.Dial()
	if err != nil {
		t.Fatal(err)
	}
	defer good.Close()
	if got := roundTrip(t, good, bufio.NewReader(good), "GET / HTTP/1.1"); got != "echo: GET / HTTP/1.1" {
		t.Errorf("healthy session response = %q", got)
	}

	if !logs.HasWarning() || !strings.Contains(logs.String(), "device not readable") {
		t.Errorf("read failure not logged as a warning: %s", logs.String())
	}

	l.Close()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not stop")
	}
}

func TestStartTwice(t *testing.T) {
	d := New(Config{Handler: echo})
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("first Start() = %v", err)
	}
	if err := d.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestStartAfterShutdown(t *testing.T) {
	d := New(Config{Handler: echo})
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Start() after Shutdown = %v, want ErrServerClosed", err)
	}
	if err := d.Serve(listener.Wrap(fasthttputil.NewInmemoryListener(), listener.Plain)); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve() after Shutdown = %v, want ErrServerClosed", err)
	}
}

func TestShutdownInterruptsIdleSessions(t *testing.T) {
	logs := &syncBuffer{}
	d := New(Config{
		Listener: listener.Config{Address: "127.0.0.1", InsecurePort: freePort(t)},
		Handler:  echo,
		Policy:   keepalive.Fixed(time.Minute),
		Logger:   logging.NewWriter(logs, logging.LevelDebug),
	})

	ls := d.Init(context.Background())
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", ls[0].Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	roundTrip(t, conn, r, "GET / HTTP/1.1")

	// The session now waits for a second request under a one minute timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %v with only idle sessions", elapsed)
	}
	if d.ActiveSessions() != 0 {
		t.Errorf("%d sessions alive after Shutdown", d.ActiveSessions())
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := r.ReadByte(); err != io.EOF {
		t.Errorf("client read after shutdown = %v, want EOF", err)
	}
	if err := d.Wait(); err != nil {
		t.Errorf("Wait() = %v", err)
	}
	if logs.HasWarning() {
		t.Errorf("shutdown was logged as a warning: %s", logs.String())
	}

	// A second Shutdown is a no-op.
	if err := d.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestShutdownAbortsOnDeadline(t *testing.T) {
	entered := make(chan struct{})
	handler := session.HandlerFunc(func(ex *session.Exchange) error {
		close(entered)
		// Waits for a body that never comes.
		_, err := ex.Read(make([]byte, 1))
		return err
	})

	d := New(Config{
		Listener: listener.Config{Address: "127.0.0.1", InsecurePort: freePort(t)},
		Handler:  handler,
		Policy:   keepalive.Fixed(time.Minute),
	})
	ls := d.Init(context.Background())
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", ls[0].Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	io.WriteString(conn, "POST / HTTP/1.1\r\n")
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() = %v, want context.DeadlineExceeded", err)
	}

	// The aborted session closes its connection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("client read after abort = %v, want EOF", err)
	}
}

func TestInsecureOnlyFlag(t *testing.T) {
	type seen struct {
		secure, insecureOnly bool
	}
	results := make(chan seen, 4)
	handler := session.HandlerFunc(func(ex *session.Exchange) error {
		results <- seen{ex.Secure(), ex.InsecureOnly()}
		ex.CloseAfter()
		_, err := ex.WriteString("ok\r\n")
		return err
	})

	request := func(t *testing.T, conn net.Conn) seen {
		t.Helper()
		defer conn.Close()
		roundTrip(t, conn, bufio.NewReader(conn), "GET / HTTP/1.1")
		select {
		case s := <-results:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
			return seen{}
		}
	}

	t.Run("plain only", func(t *testing.T) {
		d := New(Config{
			Listener: listener.Config{Address: "127.0.0.1", InsecurePort: freePort(t)},
			Handler:  handler,
		})
		defer d.Close()
		ls := d.Init(context.Background())
		d.Start()

		conn, err := net.Dial("tcp", ls[0].Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		if got := request(t, conn); got.secure || !got.insecureOnly {
			t.Errorf("plain-only server: secure = %v, insecureOnly = %v", got.secure, got.insecureOnly)
		}
	})

	t.Run("plain and secure", func(t *testing.T) {
		tlsCfg, err := tlsconf.SelfSignedTLS("127.0.0.1")
		if err != nil {
			t.Fatal(err)
		}
		d := New(Config{
			Listener: listener.Config{
				Address:      "127.0.0.1",
				InsecurePort: freePort(t),
				SecurePort:   freePort(t),
				TLS:          tlsCfg,
			},
			Handler: handler,
		})
		defer d.Close()
		d.Init(context.Background())
		d.Start()

		plain, err := net.Dial("tcp", d.manager.Insecure().Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		if got := request(t, plain); got.secure || got.insecureOnly {
			t.Errorf("plain conn: secure = %v, insecureOnly = %v", got.secure, got.insecureOnly)
		}

		secure, err := tls.Dial("tcp", d.manager.Secure().Addr().String(), &tls.Config{InsecureSkipVerify: true})
		if err != nil {
			t.Fatal(err)
		}
		if got := request(t, secure); !got.secure || got.insecureOnly {
			t.Errorf("secure conn: secure = %v, insecureOnly = %v", got.secure, got.insecureOnly)
		}
	})
}

func TestAcceptedMetrics(t *testing.T) {
	mets := metrics.New()
	d := New(Config{Handler: echo, Metrics: mets, Policy: keepalive.Never()})
	defer d.Close()

	inner := fasthttputil.NewInmemoryListener()
	go d.Serve(listener.Wrap(inner, listener.Plain))

	for i := 0; i < 3; i++ {
		conn, err := inner.Dial()
		if err != nil {
			t.Fatal(err)
		}
		roundTrip(t, conn, bufio.NewReader(conn), "GET / HTTP/1.1")
		conn.Close()
	}

	expected := `
# HELP relay_dispatch_accepted_total Total number of accepted connections
# TYPE relay_dispatch_accepted_total counter
relay_dispatch_accepted_total{listener="HTTP"} 3
`
	if err := testutil.GatherAndCompare(mets.Registry(), strings.NewReader(expected), "relay_dispatch_accepted_total"); err != nil {
		t.Error(err)
	}
}
