package health

import (
	"testing"
	"time"
)

func TestStatusUpdateMarksUnhealthyAfterRetries(t *testing.T) {
	cfg := Config{Retries: 3}
	s := NewStatus()

	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	if !s.Healthy {
		t.Fatal("should stay healthy before reaching retry threshold")
	}
	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	if s.Healthy {
		t.Fatal("should be unhealthy after reaching retry threshold")
	}
	if s.ConsecutiveFailures != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", s.ConsecutiveFailures)
	}
}

func TestStatusUpdateRecoversOnSuccess(t *testing.T) {
	cfg := Config{Retries: 2}
	s := NewStatus()
	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	if s.Healthy {
		t.Fatal("expected unhealthy")
	}

	s.Update(Result{Healthy: true, CheckedAt: time.Now()}, cfg)
	if !s.Healthy {
		t.Fatal("expected healthy after first success")
	}
	if s.ConsecutiveFailures != 0 {
		t.Fatalf("expected failures reset to 0, got %d", s.ConsecutiveFailures)
	}
}

func TestInStartPeriod(t *testing.T) {
	s := NewStatus()
	cfg := Config{StartPeriod: time.Hour}
	if !s.InStartPeriod(cfg) {
		t.Fatal("expected to be in start period immediately after creation")
	}

	cfgNone := Config{StartPeriod: 0}
	if s.InStartPeriod(cfgNone) {
		t.Fatal("zero start period should never report in-start-period")
	}
}
