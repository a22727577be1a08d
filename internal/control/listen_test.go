package control

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"
)

func TestActivatedFDs(t *testing.T) {
	self := strconv.Itoa(os.Getpid())

	tests := []struct {
		name    string
		pid     string
		fds     string
		want    int
		wantErr bool
	}{
		{"no environment", "", "", 0, false},
		{"other process", "99999999", "1", 0, false},
		{"invalid pid", "not-a-number", "1", 0, true},
		{"invalid fds", self, "not-a-number", 0, true},
		{"zero fds", self, "0", 0, false},
		{"two fds", self, "2", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tt.pid)
			t.Setenv("LISTEN_FDS", tt.fds)

			got, err := activatedFDs()
			if (err != nil) != tt.wantErr {
				t.Fatalf("activatedFDs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("activatedFDs() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestListen_FallsBackToAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer func() {
		_ = l.Close()
	}()

	if _, ok := l.Addr().(*net.TCPAddr); !ok {
		t.Errorf("listener address = %v", l.Addr())
	}
}

func TestListen_InvalidAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	if _, err := Listen("not-an-address"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t, &mockRegistry{})
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	url := "http://" + l.Addr().String() + "/repos"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /repos = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
