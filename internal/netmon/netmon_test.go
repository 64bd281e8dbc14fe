package netmon

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestStatusOnline(t *testing.T) {
	if !StatusUnknown.Online() {
		t.Error("unknown should be treated as online")
	}
	if !StatusReachable.Online() {
		t.Error("reachable should be online")
	}
	if StatusUnreachable.Online() {
		t.Error("unreachable should be offline")
	}
}

func TestDialMonitorStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()

	m := NewDialMonitor(addr, time.Second)
	if got := m.Status(context.Background()); got != StatusReachable {
		t.Errorf("expected reachable with listener up, got %s", got)
	}

	_ = ln.Close()
	if got := m.Status(context.Background()); got != StatusUnreachable {
		t.Errorf("expected unreachable with listener closed, got %s", got)
	}
}

func TestStaticMonitorNotifiesOnReconnect(t *testing.T) {
	m := NewStaticMonitor(StatusUnreachable)

	notified := make(chan struct{}, 4)
	cancel := m.Subscribe(func() { notified <- struct{}{} })
	defer cancel()

	// No notification for staying down or going down
	m.Set(StatusUnreachable)
	select {
	case <-notified:
		t.Fatal("notified without a transition to reachable")
	default:
	}

	m.Set(StatusReachable)
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("no notification on transition to reachable")
	}

	// Reachable to reachable is not a transition
	m.Set(StatusReachable)
	select {
	case <-notified:
		t.Fatal("notified on reachable-to-reachable")
	default:
	}
}

func TestStaticMonitorSubscribeCancel(t *testing.T) {
	m := NewStaticMonitor(StatusUnreachable)

	var fired bool
	cancel := m.Subscribe(func() { fired = true })
	cancel()

	m.Set(StatusReachable)
	if fired {
		t.Error("cancelled subscriber was notified")
	}
}
