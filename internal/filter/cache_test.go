package filter

import (
	"net/netip"
	"testing"
)

func TestMatchCache_LookupInsert(t *testing.T) {
	c := newMatchCache(100)

	// Initially empty
	if _, ok := c.lookup(1); ok {
		t.Error("expected cache miss on empty cache")
	}

	if c.insert(1, cacheEntry{rule: 7, action: "wan", retain: true}) {
		t.Error("unexpected eviction on insert into empty cache")
	}

	got, ok := c.lookup(1)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.rule != 7 || got.action != "wan" || !got.retain {
		t.Errorf("got %+v, want rule 7 action wan retain", got)
	}

	hits, misses, evictions := c.stats()
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}
	if evictions != 0 {
		t.Errorf("evictions = %d, want 0", evictions)
	}
}

func TestMatchCache_LRUEviction(t *testing.T) {
	c := newMatchCache(3)

	for i := Fingerprint(100); i < 103; i++ {
		c.insert(i, cacheEntry{rule: Handle(i)})
	}
	if c.len() != 3 {
		t.Errorf("size = %d, want 3", c.len())
	}

	// Touch 100 so that 101 becomes the oldest
	c.lookup(100)

	if !c.insert(200, cacheEntry{rule: 99}) {
		t.Error("expected an eviction when inserting into a full cache")
	}
	if c.len() != 3 {
		t.Errorf("size = %d, want 3 after eviction", c.len())
	}

	if _, ok := c.lookup(100); !ok {
		t.Error("100 should still be cached (recently used)")
	}
	if _, ok := c.lookup(101); ok {
		t.Error("101 should have been evicted (least recently used)")
	}
	if _, ok := c.lookup(200); !ok {
		t.Error("200 should be cached")
	}
}

func TestMatchCache_Refresh(t *testing.T) {
	c := newMatchCache(2)
	c.insert(1, cacheEntry{action: "a"})
	c.insert(2, cacheEntry{action: "b"})

	// Re-inserting an existing key updates it in place and refreshes recency.
	if c.insert(1, cacheEntry{action: "c"}) {
		t.Error("refresh must not evict")
	}
	c.insert(3, cacheEntry{action: "d"})

	if e, ok := c.lookup(1); !ok || e.action != "c" {
		t.Errorf("lookup(1) = %+v, %v; want action c", e, ok)
	}
	if _, ok := c.lookup(2); ok {
		t.Error("2 should have been evicted")
	}
}

func TestMatchCache_Invalidate(t *testing.T) {
	c := newMatchCache(10)
	for i := Fingerprint(0); i < 5; i++ {
		c.insert(i, cacheEntry{})
	}

	if n := c.invalidate(); n != 5 {
		t.Errorf("invalidate dropped %d, want 5", n)
	}
	if c.len() != 0 {
		t.Errorf("size = %d after invalidate, want 0", c.len())
	}
	if _, ok := c.lookup(0); ok {
		t.Error("expected miss after invalidate")
	}

	// Still usable afterwards.
	c.insert(9, cacheEntry{action: "x"})
	if _, ok := c.lookup(9); !ok {
		t.Error("expected hit after re-insert")
	}
}

func TestMatchCache_DefaultCapacity(t *testing.T) {
	c := newMatchCache(0)
	if c.capacity != DefaultCacheSize {
		t.Errorf("capacity = %d, want %d", c.capacity, DefaultCacheSize)
	}
}

func TestComputeFingerprint(t *testing.T) {
	base := Fields{
		Version:  IPv4,
		Src:      netip.MustParseAddr("10.0.0.1"),
		Dst:      netip.MustParseAddr("10.0.0.2"),
		Protocol: ProtoTCP,
		SrcPort:  1234,
		DstPort:  80,
		TOS:      0x10,
	}

	fp := ComputeFingerprint(&base, DefaultFingerprintFields)
	if again := ComputeFingerprint(&base, DefaultFingerprintFields); again != fp {
		t.Error("fingerprint is not stable")
	}

	// Fields outside the set do not change the key.
	other := base
	other.TOS = 0x20
	if ComputeFingerprint(&other, DefaultFingerprintFields) != fp {
		t.Error("tos changed a five-tuple fingerprint")
	}
	if ComputeFingerprint(&other, DefaultFingerprintFields|FieldTOS) ==
		ComputeFingerprint(&base, DefaultFingerprintFields|FieldTOS) {
		t.Error("tos did not change a fingerprint that includes it")
	}

	// Fields inside the set do.
	other = base
	other.DstPort = 81
	if ComputeFingerprint(&other, DefaultFingerprintFields) == fp {
		t.Error("dst port did not change the fingerprint")
	}

	// A missing address is not the unspecified address.
	zero := Fields{Version: IPv6, Dst: netip.IPv6Unspecified()}
	missing := Fields{Version: IPv6}
	if ComputeFingerprint(&zero, FieldDstAddr) == ComputeFingerprint(&missing, FieldDstAddr) {
		t.Error("missing dst address hashed like ::")
	}
	zero = Fields{Version: IPv6, Src: netip.IPv6Unspecified()}
	missing = Fields{Version: IPv6}
	if ComputeFingerprint(&zero, FieldSrcAddr) == ComputeFingerprint(&missing, FieldSrcAddr) {
		t.Error("missing src address hashed like ::")
	}

	// Version always participates.
	other = base
	other.Version = IPv6
	if ComputeFingerprint(&other, 0) == ComputeFingerprint(&base, 0) {
		t.Error("version did not change the fingerprint")
	}

	// Mapped and plain IPv4 addresses hash alike.
	other = base
	other.Src = netip.MustParseAddr("::ffff:10.0.0.1")
	if ComputeFingerprint(&other, DefaultFingerprintFields) != fp {
		t.Error("mapped source address changed the fingerprint")
	}
}
