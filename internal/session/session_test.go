package session

import (
	"net"
	"testing"
	"time"
)

func TestNextID_Monotonic(t *testing.T) {
	a := NextID()
	b := NextID()
	if b <= a {
		t.Errorf("expected monotonically increasing ids, got %d then %d", a, b)
	}
}

func TestSession_ConnTracking(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: dir + "/s", Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	client, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: dir + "/s", Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	server, err := ln.AcceptUnix()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	s := New(server)
	if len(s.ConnIDs()) != 0 {
		t.Fatal("new session should have no bound connections")
	}

	s.AddConn(1)
	s.AddConn(2)
	ids := s.ConnIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 bound connections, got %d", len(ids))
	}

	s.RemoveConn(1)
	ids = s.ConnIDs()
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("expected only conn 2 remaining, got %v", ids)
	}
}

func TestSession_Touch(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: dir + "/s2", Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	client, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: dir + "/s2", Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	server, err := ln.AcceptUnix()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	s := New(server)
	time.Sleep(2 * time.Millisecond)
	idle1 := s.IdleSince()
	s.Touch()
	idle2 := s.IdleSince()
	if idle2 >= idle1 {
		t.Errorf("Touch should reset idle duration: before=%v after=%v", idle1, idle2)
	}
}
