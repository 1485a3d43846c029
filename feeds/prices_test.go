package feeds

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestPriceCacheFreshness(t *testing.T) {
	now := time.Now()
	pc := NewPriceCache(16, time.Minute)
	pc.now = func() time.Time { return now }

	pc.Set("tok", dec("0.55"))

	price, ok := pc.Get("tok")
	if !ok || !price.Equal(dec("0.55")) {
		t.Fatalf("got %s ok=%v, want 0.55 fresh", price, ok)
	}

	// Stale marks read as missing.
	now = now.Add(2 * time.Minute)
	if _, ok := pc.Get("tok"); ok {
		t.Error("stale mark reported as fresh")
	}

	// A new print makes it fresh again.
	pc.Set("tok", dec("0.60"))
	price, ok = pc.Get("tok")
	if !ok || !price.Equal(dec("0.60")) {
		t.Errorf("got %s ok=%v, want 0.60 fresh", price, ok)
	}
}

func TestPriceCacheMissingAsset(t *testing.T) {
	pc := NewPriceCache(16, time.Minute)
	if _, ok := pc.Get("unknown"); ok {
		t.Error("missing asset reported as present")
	}
	if _, err := pc.LivePrice(context.Background(), "unknown"); err == nil {
		t.Error("LivePrice should error on a missing asset")
	}
}

func TestPriceCacheEviction(t *testing.T) {
	pc := NewPriceCache(4, time.Minute)
	for i := 0; i < 9; i++ {
		pc.Set(fmt.Sprintf("tok%d", i), dec("0.50"))
	}
	if pc.Len() != 4 {
		t.Errorf("len = %d, want 4", pc.Len())
	}
	if _, ok := pc.Get("tok0"); ok {
		t.Error("oldest mark should have been evicted")
	}
	if _, ok := pc.Get("tok8"); !ok {
		t.Error("newest mark should survive eviction")
	}
}
