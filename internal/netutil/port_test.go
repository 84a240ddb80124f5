package netutil

import (
	"net"
	"strings"
	"testing"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestSelectBindAddrUsesFreePreferred(t *testing.T) {
	addr := freeAddr(t)
	got, err := SelectBindAddr(addr, nil, false)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != addr {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, addr)
	}
}

func TestSelectBindAddrFallsBackPastBusy(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()
	free := freeAddr(t)

	got, err := SelectBindAddr(busy.Addr().String(), []string{busy.Addr().String(), free}, true)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != free {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, free)
	}

	if _, err := SelectBindAddr(busy.Addr().String(), []string{free}, false); err == nil {
		t.Fatal("expected error without fallback")
	}
}

func TestSelectBindAddrReportsExhaustion(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()

	_, err = SelectBindAddr("", []string{busy.Addr().String()}, true)
	if err == nil || !strings.Contains(err.Error(), busy.Addr().String()) {
		t.Fatalf("error = %v, want mention of %s", err, busy.Addr())
	}
}

func TestSelectBindAddrRefusesNonLoopback(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:8290", "192.168.1.10:8290", "nohost"} {
		if _, err := SelectBindAddr(addr, nil, true); err == nil {
			t.Fatalf("SelectBindAddr(%q) succeeded", addr)
		}
	}
	if _, err := SelectBindAddr("localhost:0", nil, false); err != nil {
		t.Fatalf("localhost refused: %v", err)
	}
}
