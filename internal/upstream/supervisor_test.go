package upstream

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matst80/peek/internal/proto"
)

var testCred = proto.Credential{Username: proto.Username, AccessCode: "12345678"}

type capturePublisher struct {
	ch chan *proto.Frame
}

func newCapture() *capturePublisher {
	return &capturePublisher{ch: make(chan *proto.Frame, 256)}
}

func (c *capturePublisher) Publish(f *proto.Frame) {
	select {
	case c.ch <- f:
	default:
	}
}

// fakePrinter reads the auth frame from conn and, unless it rejects, serves
// the given frames before closing.
func fakePrinter(t *testing.T, conn net.Conn, reject bool, frames []*proto.Frame) {
	t.Helper()
	defer conn.Close()
	buf := make([]byte, proto.AuthFrameSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}
	got, err := proto.DecodeAuth(buf)
	if err != nil {
		t.Errorf("printer received malformed auth frame: %v", err)
		return
	}
	if got != testCred {
		t.Errorf("printer received credential %+v", got)
		return
	}
	if reject {
		return // close without sending anything
	}
	for _, f := range frames {
		if err := proto.WriteFrame(conn, f); err != nil {
			return
		}
	}
	// Keep the conn open briefly so the close is not racing the last frame.
	time.Sleep(10 * time.Millisecond)
}

func testConfig(dial DialFunc, onState func(State)) Config {
	return Config{
		Addr:        "printer.test:6000",
		Credential:  testCred,
		AuthTimeout: 500 * time.Millisecond,
		IdleTimeout: 500 * time.Millisecond,
		BackoffMin:  time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
		Dial:        dial,
		OnState:     onState,
	}
}

func TestSupervisorReachesStreamingAfterFailures(t *testing.T) {
	const failures = 3
	var attempts atomic.Int64
	frames := []*proto.Frame{
		{Payload: make([]byte, 12000)},
		{Payload: make([]byte, 15000)},
		{Payload: make([]byte, 9000)},
	}
	dial := func(ctx context.Context) (net.Conn, error) {
		if attempts.Add(1) <= failures {
			return nil, &net.OpError{Op: "dial", Err: context.DeadlineExceeded}
		}
		client, server := net.Pipe()
		go fakePrinter(t, server, false, frames)
		return client, nil
	}

	var mu sync.Mutex
	var states []State
	pub := newCapture()
	sup := New(testConfig(dial, func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}), pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	for i, want := range []int{12000, 15000, 9000} {
		select {
		case f := <-pub.ch:
			if len(f.Payload) != want {
				t.Fatalf("frame %d: %d bytes, want %d", i, len(f.Payload), want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	cancel()
	<-done

	if got := attempts.Load(); got < failures+1 {
		t.Errorf("dial attempts = %d, want >= %d", got, failures+1)
	}
	mu.Lock()
	defer mu.Unlock()
	sawStreaming := false
	for _, st := range states {
		if st == Streaming {
			sawStreaming = true
		}
	}
	if !sawStreaming {
		t.Errorf("never entered Streaming; states: %v", states)
	}
	if states[len(states)-1] != Disconnected {
		t.Errorf("final state %v, want Disconnected", states[len(states)-1])
	}
}

func TestSupervisorRetriesAfterAuthRejection(t *testing.T) {
	// First two connections are rejected (wrong code scenario), then the
	// operator "fixes" the credential and streaming starts.
	var attempts atomic.Int64
	frames := []*proto.Frame{{Payload: []byte("jpeg")}}
	dial := func(ctx context.Context) (net.Conn, error) {
		n := attempts.Add(1)
		client, server := net.Pipe()
		go fakePrinter(t, server, n <= 2, frames)
		return client, nil
	}

	pub := newCapture()
	sup := New(testConfig(dial, nil), pub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	select {
	case <-pub.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no frame relayed after auth recovery")
	}
	cancel()
	<-done

	if got := attempts.Load(); got < 3 {
		t.Errorf("dial attempts = %d, want >= 3", got)
	}
	// The rejected attempts never streamed, so no reconnect is counted.
	if sup.Reconnects() != 0 {
		t.Errorf("reconnects = %d, want 0", sup.Reconnects())
	}
}

func TestSupervisorReconnectsAfterIdleStall(t *testing.T) {
	// The first connection authenticates and streams one frame, then goes
	// silent with the socket open. The supervisor must give up on it within
	// the idle window and a fresh connection must resume the stream.
	var attempts atomic.Int64
	dial := func(ctx context.Context) (net.Conn, error) {
		n := attempts.Add(1)
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			buf := make([]byte, proto.AuthFrameSize)
			if _, err := io.ReadFull(server, buf); err != nil {
				return
			}
			_ = proto.WriteFrame(server, &proto.Frame{Payload: []byte{byte(n)}})
			if n == 1 {
				// Stall: keep the socket open until the supervisor closes it.
				_, _ = server.Read(make([]byte, 1))
				return
			}
			time.Sleep(10 * time.Millisecond)
		}()
		return client, nil
	}

	pub := newCapture()
	cfg := testConfig(dial, nil)
	cfg.IdleTimeout = 100 * time.Millisecond
	sup := New(cfg, pub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	for i := 0; i < 2; i++ {
		select {
		case <-pub.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	cancel()
	<-done

	if attempts.Load() < 2 {
		t.Errorf("expected a redial after the idle stall, attempts = %d", attempts.Load())
	}
	// The stalled session had streamed, so its loss counts as a reconnect.
	if sup.Reconnects() < 1 {
		t.Errorf("reconnects = %d, want >= 1", sup.Reconnects())
	}
}

func TestSupervisorRetriesWhenAuthGetsNoResponse(t *testing.T) {
	// A printer that swallows the auth frame and sends nothing is treated as
	// a rejection once the auth window expires; the supervisor keeps retrying.
	var attempts atomic.Int64
	dial := func(ctx context.Context) (net.Conn, error) {
		n := attempts.Add(1)
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			buf := make([]byte, proto.AuthFrameSize)
			if _, err := io.ReadFull(server, buf); err != nil {
				return
			}
			if n == 1 {
				// Silence: hold the socket open without a single frame.
				_, _ = server.Read(make([]byte, 1))
				return
			}
			_ = proto.WriteFrame(server, &proto.Frame{Payload: []byte("jpeg")})
			time.Sleep(10 * time.Millisecond)
		}()
		return client, nil
	}

	pub := newCapture()
	cfg := testConfig(dial, nil)
	cfg.AuthTimeout = 100 * time.Millisecond
	sup := New(cfg, pub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	select {
	case <-pub.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no frame relayed after the silent connection was abandoned")
	}
	cancel()
	<-done

	if attempts.Load() < 2 {
		t.Errorf("expected a redial after auth silence, attempts = %d", attempts.Load())
	}
	if sup.Reconnects() != 0 {
		t.Errorf("reconnects = %d, want 0; the silent session never streamed", sup.Reconnects())
	}
}

func TestSupervisorRecoversFromFramingError(t *testing.T) {
	var attempts atomic.Int64
	dial := func(ctx context.Context) (net.Conn, error) {
		n := attempts.Add(1)
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			buf := make([]byte, proto.AuthFrameSize)
			if _, err := io.ReadFull(server, buf); err != nil {
				return
			}
			if n == 1 {
				// One good frame, then a corrupted header (zero length).
				_ = proto.WriteFrame(server, &proto.Frame{Payload: []byte{1}})
				_, _ = server.Write(make([]byte, proto.FrameHeaderSize))
				time.Sleep(10 * time.Millisecond)
				return
			}
			_ = proto.WriteFrame(server, &proto.Frame{Payload: []byte{2}})
			time.Sleep(10 * time.Millisecond)
		}()
		return client, nil
	}

	pub := newCapture()
	sup := New(testConfig(dial, nil), pub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	for i := 0; i < 2; i++ {
		select {
		case <-pub.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	cancel()
	<-done

	if attempts.Load() < 2 {
		t.Errorf("expected a reconnect after framing error, attempts = %d", attempts.Load())
	}
}

func TestNextBackoffDoublesToCap(t *testing.T) {
	max := 30 * time.Second
	cur := time.Second
	var seq []time.Duration
	for i := 0; i < 7; i++ {
		seq = append(seq, cur)
		cur = nextBackoff(cur, max)
	}
	for i := 1; i < len(seq); i++ {
		if seq[i] < seq[i-1] {
			t.Fatalf("backoff decreased: %v after %v", seq[i], seq[i-1])
		}
		if seq[i] > max {
			t.Fatalf("backoff %v exceeds cap %v", seq[i], max)
		}
	}
	if seq[len(seq)-1] != max {
		t.Errorf("backoff never reached cap: %v", seq)
	}
}

func TestWithJitterBounds(t *testing.T) {
	d := time.Second
	for i := 0; i < 100; i++ {
		j := withJitter(d)
		if j < d || j > d+d/5 {
			t.Fatalf("jittered delay %v outside [%v, %v]", j, d, d+d/5)
		}
	}
}
