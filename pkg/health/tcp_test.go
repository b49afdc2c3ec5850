package health

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTCPChecker_HealthyListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(ln.Addr().String())
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("expected healthy, got unhealthy: %s", result.Message)
	}
}

func TestTCPChecker_RefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	checker := NewTCPChecker(addr).WithTimeout(200 * time.Millisecond)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Error("expected unhealthy for refused connection")
	}
}

func TestTCPChecker_Type(t *testing.T) {
	checker := NewTCPChecker("127.0.0.1:0")
	if checker.Type() != CheckTypeTCP {
		t.Errorf("expected type %s, got %s", CheckTypeTCP, checker.Type())
	}
}
