package transport

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestSessionCacheEmptyExport(t *testing.T) {
	c := NewPersistableSessionCache()
	exported, err := c.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(exported) != 0 {
		t.Errorf("empty cache exported %d sessions", len(exported))
	}
}

func TestSessionCacheGetMiss(t *testing.T) {
	c := NewPersistableSessionCache()
	if state, ok := c.Get("example.com:443"); ok || state != nil {
		t.Error("miss should return nil, false")
	}
}

func TestSessionCacheImportSkipsExpired(t *testing.T) {
	c := NewPersistableSessionCache()
	err := c.Import(map[string]TLSSessionState{
		"stale.example.com:443": {
			Ticket:    base64.StdEncoding.EncodeToString([]byte("ticket")),
			State:     base64.StdEncoding.EncodeToString([]byte("state")),
			CreatedAt: time.Now().Add(-TLSSessionMaxAge - time.Hour),
		},
	})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if c.Count() != 0 {
		t.Errorf("expired session was imported, count = %d", c.Count())
	}
}

func TestSessionCacheImportSkipsGarbage(t *testing.T) {
	c := NewPersistableSessionCache()
	err := c.Import(map[string]TLSSessionState{
		"bad-base64.example.com:443": {
			Ticket:    "%%%not-base64%%%",
			State:     "also not base64",
			CreatedAt: time.Now(),
		},
		"bad-state.example.com:443": {
			Ticket:    base64.StdEncoding.EncodeToString([]byte("ticket")),
			State:     base64.StdEncoding.EncodeToString([]byte("not a session state")),
			CreatedAt: time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if c.Count() != 0 {
		t.Errorf("unparseable sessions were imported, count = %d", c.Count())
	}
}

func TestSessionCachePutCountClear(t *testing.T) {
	c := NewPersistableSessionCache()
	c.Put("a.example.com:443", nil)
	c.Put("b.example.com:443", nil)
	if c.Count() != 2 {
		t.Fatalf("count = %d, want 2", c.Count())
	}

	// nil states are tolerated in the cache but never exported.
	exported, err := c.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(exported) != 0 {
		t.Errorf("nil sessions exported: %d", len(exported))
	}

	c.Clear()
	if c.Count() != 0 {
		t.Errorf("count after Clear = %d", c.Count())
	}
}
