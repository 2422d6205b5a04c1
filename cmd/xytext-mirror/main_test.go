package main

import (
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("XYTEXT_TEST_VALUE", "  set  ")
	if got := envOrDefault("XYTEXT_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("envOrDefault = %q", got)
	}
	if got := envOrDefault("XYTEXT_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("envOrDefault fallback = %q", got)
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("XYTEXT_TEST_DURATION", "750ms")
	if got := durationEnv("XYTEXT_TEST_DURATION", time.Second); got != 750*time.Millisecond {
		t.Fatalf("durationEnv = %s", got)
	}
	t.Setenv("XYTEXT_TEST_DURATION", "not-a-duration")
	if got := durationEnv("XYTEXT_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("durationEnv with bad value = %s", got)
	}
}

func TestDrainTrigger(t *testing.T) {
	trigger := make(chan struct{}, 1)
	trigger <- struct{}{}
	drainTrigger(trigger)
	select {
	case <-trigger:
		t.Fatalf("trigger not drained")
	default:
	}
}
