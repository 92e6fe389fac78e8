package dns

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	mdns "github.com/miekg/dns"
)

// echTestResolver runs a loopback DNS server whose handler counts
// queries and answers with the given message builder.
func echTestResolver(t *testing.T, answer func(r *mdns.Msg) *mdns.Msg) (addr string, queries *atomic.Int32) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var count atomic.Int32
	srv := &mdns.Server{
		PacketConn: pc,
		Handler: mdns.HandlerFunc(func(w mdns.ResponseWriter, r *mdns.Msg) {
			count.Add(1)
			w.WriteMsg(answer(r))
		}),
	}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String(), &count
}

// A domain that answers without an ech parameter must be asked once, not
// on every dial.
func TestFetchECHConfigCachesNegativeAnswer(t *testing.T) {
	addr, queries := echTestResolver(t, func(r *mdns.Msg) *mdns.Msg {
		m := new(mdns.Msg)
		m.SetReply(r)
		return m
	})
	SetECHDNSServers([]string{addr})
	t.Cleanup(func() { SetECHDNSServers(nil) })
	ClearECHCache()
	t.Cleanup(ClearECHCache)

	for i := 0; i < 3; i++ {
		if _, err := FetchECHConfig(context.Background(), "no-ech.test"); err == nil {
			t.Fatal("expected error for a domain without an ech parameter")
		}
	}
	if got := queries.Load(); got != 1 {
		t.Errorf("resolver asked %d times, want 1", got)
	}
}

func TestFetchECHConfigDoesNotCacheResolverFailure(t *testing.T) {
	addr, queries := echTestResolver(t, func(r *mdns.Msg) *mdns.Msg {
		m := new(mdns.Msg)
		m.SetRcode(r, mdns.RcodeServerFailure)
		return m
	})
	SetECHDNSServers([]string{addr})
	t.Cleanup(func() { SetECHDNSServers(nil) })
	ClearECHCache()
	t.Cleanup(ClearECHCache)

	for i := 0; i < 2; i++ {
		if _, err := FetchECHConfig(context.Background(), "flaky.test"); err == nil {
			t.Fatal("expected error when the resolver fails")
		}
	}
	if got := queries.Load(); got != 2 {
		t.Errorf("resolver asked %d times, want 2 (failures are not cached)", got)
	}
}
