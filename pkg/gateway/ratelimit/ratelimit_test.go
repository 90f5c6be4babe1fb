package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestAcquireSession_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxSessionsPerClient: 1})
	now := time.Now()

	first := l.AcquireSession("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireSession("p1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}
	if other := l.AcquireSession("p2", now); !other.Allowed {
		t.Fatalf("other client should be allowed")
	}

	first.Permit.Release()
	first.Permit.Release()
	third := l.AcquireSession("p1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
	if fourth := l.AcquireSession("p1", now); fourth.Allowed {
		t.Fatalf("double release must not free two slots")
	}
}

func TestAllowRequest_TokenBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if d := l.AllowRequest("p1", now); !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	d := l.AllowRequest("p1", now)
	if d.Allowed || d.RetryAfter != 1 {
		t.Fatalf("third request decision=%+v", d)
	}
	if d := l.AllowRequest("p1", now.Add(time.Second)); !d.Allowed {
		t.Fatalf("token should refill after 1s")
	}
}

func TestLimiter_DisabledAndNil(t *testing.T) {
	var nilLimiter *Limiter
	if !nilLimiter.AcquireSession("p", time.Now()).Allowed || !nilLimiter.AllowRequest("p", time.Now()).Allowed {
		t.Fatalf("nil limiter should allow everything")
	}
	l := New(Config{})
	for i := 0; i < 100; i++ {
		d := l.AcquireSession("p", time.Now())
		if !d.Allowed {
			t.Fatalf("unlimited sessions denied")
		}
	}
}

func TestLimiter_GCKeepsActiveSessions(t *testing.T) {
	l := New(Config{MaxSessionsPerClient: 1, MaxEntries: 1, EntryTTL: time.Minute})
	start := time.Now()

	held := l.AcquireSession("p1", start)
	l.AcquireSession("p2", start.Add(2*time.Minute))
	if again := l.AcquireSession("p1", start.Add(2*time.Minute)); again.Allowed {
		t.Fatalf("entry holding a session must survive gc")
	}
	held.Permit.Release()
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/live", nil)
	r.RemoteAddr = "10.0.0.5:51234"
	if got := ClientKey(r); got != "ip_10.0.0.5" {
		t.Fatalf("ClientKey=%q", got)
	}
	r.RemoteAddr = ""
	if got := ClientKey(r); got != "anonymous" {
		t.Fatalf("ClientKey=%q", got)
	}
}
