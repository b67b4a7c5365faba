package agent

import (
	"testing"
	"time"
)

func TestCacheRoundTrip(t *testing.T) {
	c := newResponseCache(time.Minute)

	if _, hit := c.get("msg", "ctx"); hit {
		t.Fatal("hit on an empty cache")
	}
	c.put("msg", "ctx", "resp")

	got, hit := c.get("msg", "ctx")
	if !hit || got != "resp" {
		t.Fatalf("get = %q, %v", got, hit)
	}

	// Message and context both participate in the key.
	if _, hit := c.get("other", "ctx"); hit {
		t.Error("different message matched")
	}
	if _, hit := c.get("msg", "other"); hit {
		t.Error("different context matched")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := newResponseCache(5 * time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	c.put("msg", "", "resp")

	now = base.Add(4 * time.Minute)
	if _, hit := c.get("msg", ""); !hit {
		t.Error("entry expired before its TTL")
	}

	now = base.Add(6 * time.Minute)
	if _, hit := c.get("msg", ""); hit {
		t.Error("entry survived past its TTL")
	}
	// An expired entry is also evicted.
	if len(c.entries) != 0 {
		t.Error("expired entry left in the map")
	}
}

func TestHashContextStable(t *testing.T) {
	a := map[string]any{"cwd": "/tmp", "symbolCount": 3, "topSymbols": []string{"A", "B"}}
	b := map[string]any{"topSymbols": []string{"A", "B"}, "symbolCount": 3, "cwd": "/tmp"}

	if hashContext(a) != hashContext(b) {
		t.Error("identical content must hash identically regardless of key order")
	}

	c := map[string]any{"cwd": "/tmp", "symbolCount": 4, "topSymbols": []string{"A", "B"}}
	if hashContext(a) == hashContext(c) {
		t.Error("different content must hash differently")
	}

	if hashContext(nil) != "" {
		t.Error("nil context hashes to the empty string")
	}
}
