package main

import (
	"testing"
	"time"
)

func TestMemoCacheExpiry(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	cache := newMemoCache(func() time.Time { return now })

	cache.set("k", "v", 60*time.Second)

	got, ok := cache.get("k")
	if !ok || got.(string) != "v" {
		t.Fatalf("fresh entry: got %v, %v", got, ok)
	}

	now = now.Add(59 * time.Second)
	if _, ok := cache.get("k"); !ok {
		t.Fatal("entry expired one second early")
	}

	now = now.Add(time.Second)
	if _, ok := cache.get("k"); ok {
		t.Fatal("entry should expire at exactly the TTL")
	}
	// Expired entries are removed on read.
	cache.now = func() time.Time { return now.Add(-time.Hour) }
	if _, ok := cache.get("k"); ok {
		t.Fatal("expired entry was not dropped")
	}
}

func TestMemoCacheMiss(t *testing.T) {
	cache := newMemoCache(nil)
	if _, ok := cache.get("absent"); ok {
		t.Fatal("miss reported as hit")
	}
}

func TestMemoCacheInvalidate(t *testing.T) {
	cache := newMemoCache(nil)
	cache.set("k", 1, time.Minute)
	cache.invalidate("k")
	if _, ok := cache.get("k"); ok {
		t.Fatal("invalidated entry still present")
	}
}

func TestMemoCacheOverwrite(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	cache := newMemoCache(func() time.Time { return now })

	cache.set("k", "old", time.Second)
	cache.set("k", "new", time.Minute)

	now = now.Add(30 * time.Second)
	got, ok := cache.get("k")
	if !ok || got.(string) != "new" {
		t.Fatalf("got %v, %v; want new entry with fresh TTL", got, ok)
	}
}
