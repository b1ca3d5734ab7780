package broker

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danilo-araujo0000/boton/internal/dispatch"
	"github.com/danilo-araujo0000/boton/internal/registry"
)

type fakeSubmitter struct {
	mu          sync.Mutex
	submissions []dispatch.Submission
	err         error
}

func (f *fakeSubmitter) SubmitAlert(ctx context.Context, sub dispatch.Submission) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return dispatch.Result{}, f.err
	}
	f.submissions = append(f.submissions, sub)
	return dispatch.Result{Accepted: true, EventID: "evt-1"}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func startServer(t *testing.T, submitter Submitter, maxConns int64) (*Server, *registry.Registry, string) {
	t.Helper()

	reg := registry.New(time.Minute, 2*time.Minute, time.Minute, time.Second, nil)
	srv := NewServer("127.0.0.1:0", reg, submitter, maxConns)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, reg, srv.Addr().String()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_FireAndForgetSender(t *testing.T) {
	submitter := &fakeSubmitter{}
	_, _, addr := startServer(t, submitter, 10)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("PC-101|alerta5656|jsmith\n")); err != nil {
		t.Fatalf("Failed to write alert: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read ack: %v", err)
	}
	if strings.TrimRight(line, "\n") != "OK|evt-1" {
		t.Errorf("ack = %q, want OK|evt-1", line)
	}

	if submitter.count() != 1 {
		t.Errorf("submissions = %d, want 1", submitter.count())
	}
	got := submitter.submissions[0]
	want := dispatch.Submission{Hostname: "PC-101", Code: "alerta5656", Username: "jsmith"}
	if got != want {
		t.Errorf("submission = %+v, want %+v", got, want)
	}

	// Fire-and-forget connections are closed after the ack.
	if _, err := bufio.NewReader(conn).ReadString('\n'); err == nil {
		t.Error("expected connection to be closed after ack")
	}
}

func TestServer_ReceiverRegistration(t *testing.T) {
	submitter := &fakeSubmitter{}
	_, reg, addr := startServer(t, submitter, 10)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("RECEPTOR-PORTARIA\n")); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	waitFor(t, func() bool { return reg.Len() == 1 }, "session was not registered")

	if sessions := reg.Sessions(registry.RoleReceiver); len(sessions) != 1 {
		t.Errorf("receiver sessions = %d, want 1", len(sessions))
	}

	// A PONG keeps the session alive without side effects.
	if _, err := conn.Write([]byte("PONG\n")); err != nil {
		t.Fatalf("Failed to write pong: %v", err)
	}

	conn.Close()
	waitFor(t, func() bool { return reg.Len() == 0 }, "session was not evicted on disconnect")
}

func TestServer_RegisteredSenderCanSubmit(t *testing.T) {
	submitter := &fakeSubmitter{}
	_, reg, addr := startServer(t, submitter, 10)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("PC-101\n")); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	waitFor(t, func() bool { return reg.Len() == 1 }, "session was not registered")

	if sessions := reg.Sessions(registry.RoleSender); len(sessions) != 1 {
		t.Errorf("sender sessions = %d, want 1", len(sessions))
	}

	if _, err := conn.Write([]byte("PC-101|alerta5656|jsmith\n")); err != nil {
		t.Fatalf("Failed to write alert: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read ack: %v", err)
	}
	if strings.TrimRight(line, "\n") != "OK|evt-1" {
		t.Errorf("ack = %q, want OK|evt-1", line)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, registered sender should stay connected", reg.Len())
	}
}

func TestServer_ReconnectKeepsReplacementSession(t *testing.T) {
	submitter := &fakeSubmitter{}
	_, reg, addr := startServer(t, submitter, 10)

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer first.Close()
	if _, err := first.Write([]byte("RECEPTOR-01\n")); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	waitFor(t, func() bool { return reg.Len() == 1 }, "first session was not registered")

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer second.Close()
	if _, err := second.Write([]byte("RECEPTOR-01\n")); err != nil {
		t.Fatalf("Failed to re-register: %v", err)
	}

	// Registration closes the first connection, and that handler's cleanup
	// must not take the replacement session down with it.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := first.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected first connection to be closed after re-registration")
	}
	time.Sleep(200 * time.Millisecond)

	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 live session after reconnect", reg.Len())
	}

	alert := dispatch.Resolved{Room: "Sala 12", Username: "John Smith", Code: "alerta5656", EventID: "evt-1"}
	if err := reg.Deliver(context.Background(), dispatch.Destination{Addr: "RECEPTOR-01"}, alert); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(second).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read delivered frame: %v", err)
	}
	if !strings.HasPrefix(line, "ABRIR_TELA|") {
		t.Errorf("delivered frame = %q", line)
	}
}

func TestServer_ConnectionCap(t *testing.T) {
	submitter := &fakeSubmitter{}
	_, reg, addr := startServer(t, submitter, 1)

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer first.Close()
	if _, err := first.Write([]byte("RECEPTOR-01\n")); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	waitFor(t, func() bool { return reg.Len() == 1 }, "first session was not registered")

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer second.Close()
	if _, err := second.Write([]byte("PC-101|alerta5656|jsmith\n")); err != nil {
		t.Fatalf("Failed to write alert: %v", err)
	}

	// With the single slot held, the second connection is not served.
	reader := bufio.NewReader(second)
	second.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := reader.ReadString('\n'); err == nil {
		t.Fatal("connection beyond the cap was served while the slot was held")
	}
	if submitter.count() != 0 {
		t.Fatalf("submissions = %d, want 0 while the cap is reached", submitter.count())
	}

	// Closing the first connection frees its slot and the queued
	// connection is served.
	first.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read ack after slot freed: %v", err)
	}
	if strings.TrimRight(line, "\n") != "OK|evt-1" {
		t.Errorf("ack = %q, want OK|evt-1", line)
	}
}

func TestServer_MalformedFrameClosesConnection(t *testing.T) {
	submitter := &fakeSubmitter{}
	_, _, addr := startServer(t, submitter, 10)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("PC-101|alerta5656\n")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read error: %v", err)
	}
	if !strings.HasPrefix(line, "ERR|") {
		t.Errorf("response = %q, want ERR frame", line)
	}
	if submitter.count() != 0 {
		t.Errorf("submissions = %d, want 0", submitter.count())
	}
}

func TestServer_RejectedSubmission(t *testing.T) {
	submitter := &fakeSubmitter{err: dispatch.ErrMalformedInput}
	_, _, addr := startServer(t, submitter, 10)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("PC-101|wrong-secret|jsmith\n")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if !strings.HasPrefix(line, "ERR|") {
		t.Errorf("response = %q, want ERR frame", line)
	}
}
