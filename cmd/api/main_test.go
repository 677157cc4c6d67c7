package main

import (
	"context"
	"testing"
	"time"

	"crewbase/internal/config"
)

func TestNewLoggerLevelMapping(t *testing.T) {
	cases := []string{"debug", "info", "warn", "error", "bogus", ""}
	for _, level := range cases {
		if logger := newLogger(level); logger == nil {
			t.Errorf("newLogger(%q) returned nil", level)
		}
	}
}

func TestNewSubscriptionCacheDefaultsToMemory(t *testing.T) {
	cfg := config.CacheConfig{TTL: time.Minute, MaxSize: 16}

	c, err := newSubscriptionCache(context.Background(), cfg, newLogger("error"))
	if err != nil {
		t.Fatalf("newSubscriptionCache: %v", err)
	}
	if c == nil {
		t.Fatal("expected an in-process cache when no Redis URL is configured")
	}
}
