// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

package ptcp

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func testListener(t *testing.T, maxSessions int) *Listener {
	t.Helper()
	l, err := Listen("0", "127.0.0.1", maxSessions, nil)
	if err != nil {
		t.Fatalf("Listen() = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func listenerPort(t *testing.T, l *Listener) string {
	t.Helper()
	_, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatalf("split listener address: %v", err)
	}
	return port
}

func TestDialSendReceive(t *testing.T) {
	l := testListener(t, 0)
	ctx := context.Background()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := l.Accept(ctx)
		if err != nil {
			t.Errorf("Accept() = %v", err)
			return
		}
		accepted <- conn
	}()

	client, err := Dial(ctx, FamilyIPv4, "127.0.0.1", listenerPort(t, l))
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	msg := []byte("<134>test log record\n")
	n, err := client.Send(msg)
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if n != len(msg) {
		t.Fatalf("Send() wrote %d bytes, want %d", n, len(msg))
	}

	buf := make([]byte, 128)
	n, err = server.Receive(buf)
	if err != nil {
		t.Fatalf("Receive() = %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("Receive() = %q, want %q", buf[:n], msg)
	}
}

func TestRemoteAddress(t *testing.T) {
	l := testListener(t, 0)
	ctx := context.Background()

	go func() {
		conn, err := l.Accept(ctx)
		if err == nil {
			defer conn.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()

	client, err := Dial(ctx, FamilyUnspec, "127.0.0.1", listenerPort(t, l))
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer client.Close()

	if addr := client.RemoteAddress(); !strings.HasPrefix(addr, "127.0.0.1:") {
		t.Errorf("RemoteAddress() = %q, want 127.0.0.1 prefix", addr)
	}
	if host := client.RemoteHostname(); host == "" {
		t.Errorf("RemoteHostname() = %q, want non-empty", host)
	}
}

func TestMaxSessionsCapsAccept(t *testing.T) {
	l := testListener(t, 1)
	ctx := context.Background()
	port := listenerPort(t, l)

	first, err := Dial(ctx, FamilyIPv4, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer first.Close()

	held, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() = %v", err)
	}

	second, err := Dial(ctx, FamilyIPv4, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer second.Close()

	// The cap is reached, so the next accept must wait until the held
	// session closes.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.Accept(waitCtx); err == nil {
		t.Fatal("Accept() succeeded beyond the session cap")
	}

	_ = held.Close()

	conn, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() after slot release = %v", err)
	}
	_ = conn.Close()
}

func TestAbortClosesConnection(t *testing.T) {
	l := testListener(t, 0)
	ctx := context.Background()

	go func() {
		conn, err := l.Accept(ctx)
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 16)
			_, _ = conn.Receive(buf)
		}
	}()

	client, err := Dial(ctx, FamilyIPv4, "127.0.0.1", listenerPort(t, l))
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}

	client.Abort()

	if _, err := client.Send([]byte("x")); err == nil {
		t.Fatal("Send() after Abort() = nil, want error")
	}
}

func TestFamilyNetwork(t *testing.T) {
	tests := []struct {
		family Family
		want   string
	}{
		{FamilyUnspec, "tcp"},
		{FamilyIPv4, "tcp4"},
		{FamilyIPv6, "tcp6"},
	}
	for _, tt := range tests {
		if got := tt.family.network(); got != tt.want {
			t.Errorf("network(%d) = %q, want %q", tt.family, got, tt.want)
		}
	}
}
