package capture

import (
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func testOptions() Options {
	return Options{
		ReconnectDelay: 50 * time.Millisecond,
		IdleTimeout:    time.Second,
		BufferSize:     16,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// gateway accepts one connection at a time and writes payload to it
func gateway(t *testing.T, payloads ...string) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for _, payload := range payloads {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte(payload))
			conn.Close()
		}
		<-done
	}()
	return ln.Addr().String(), func() {
		close(done)
		ln.Close()
	}
}

func receive(t *testing.T, c *Capture, n int) []Message {
	t.Helper()
	var got []Message
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case msg := <-c.Messages():
			got = append(got, msg)
		case <-timeout:
			t.Fatalf("received %d messages, want %d", len(got), n)
		}
	}
	return got
}

func TestNew_Defaults(t *testing.T) {
	c := New([]string{"localhost:7070"}, Options{})
	def := DefaultOptions()
	if c.opts.ReconnectDelay != def.ReconnectDelay || c.opts.IdleTimeout != def.IdleTimeout {
		t.Errorf("options = %+v, want defaults", c.opts)
	}
	if cap(c.msgChan) != def.BufferSize {
		t.Errorf("buffer = %d, want %d", cap(c.msgChan), def.BufferSize)
	}
}

func TestCapture_ReadsLines(t *testing.T) {
	addr, closeGW := gateway(t, "TLM,s1,1,0,0,5,0,0,,,,\r\n\nHB,gw\nTLM,s2,2,0,0,5,0,0,,,,\n")
	defer closeGW()

	c := New([]string{addr}, testOptions())
	c.Start()
	defer c.Stop()

	got := receive(t, c, 3)
	want := []string{"TLM,s1,1,0,0,5,0,0,,,,", "HB,gw", "TLM,s2,2,0,0,5,0,0,,,,"}
	for i, msg := range got {
		if msg.Line != want[i] {
			t.Errorf("line %d = %q, want %q", i, msg.Line, want[i])
		}
		if msg.Source != addr {
			t.Errorf("source = %s, want %s", msg.Source, addr)
		}
	}
}

func TestCapture_ReconnectsAfterClose(t *testing.T) {
	addr, closeGW := gateway(t, "HB,first\n", "HB,second\n")
	defer closeGW()

	c := New([]string{addr}, testOptions())
	c.Start()
	defer c.Stop()

	got := receive(t, c, 2)
	if got[0].Line != "HB,first" || got[1].Line != "HB,second" {
		t.Errorf("lines = %q, %q", got[0].Line, got[1].Line)
	}
}

func TestCapture_DropsOversizedLine(t *testing.T) {
	long := strings.Repeat("x", maxLineBytes*2)
	addr, closeGW := gateway(t, long+"\nHB,after\n")
	defer closeGW()

	c := New([]string{addr}, testOptions())
	c.Start()
	defer c.Stop()

	got := receive(t, c, 1)
	if got[0].Line != "HB,after" {
		t.Errorf("line = %.20q, want HB,after", got[0].Line)
	}
}

func TestCapture_StopUnreachable(t *testing.T) {
	c := New([]string{"127.0.0.1:1"}, testOptions())
	c.Start()
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Stop()
		c.Stop() // idempotent
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}

	if _, ok := <-c.Messages(); ok {
		t.Error("message channel should be closed after Stop()")
	}
}

func TestCapture_StopWithoutStart(t *testing.T) {
	c := New(nil, testOptions())
	c.Stop()
}
