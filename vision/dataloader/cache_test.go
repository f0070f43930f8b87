package dataloader

import (
	"sync"
	"testing"
)

func sample(v float32) cachedSample {
	return cachedSample{data: []float32{v}, shape: []int{1}, label: int(v)}
}

// TestCacheManagerBasicOperations tests basic get/put operations
func TestCacheManagerBasicOperations(t *testing.T) {
	cm := NewCacheManager(5)

	if _, exists := cm.Get(1); exists {
		t.Error("Get should miss on an empty cache")
	}

	cm.Put(1, sample(1))
	got, exists := cm.Get(1)
	if !exists || got.data[0] != 1 || got.label != 1 {
		t.Errorf("Expected cached sample 1, got %+v (exists=%v)", got, exists)
	}

	stats := cm.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.HitRate != 50 {
		t.Errorf("Expected 50%% hit rate, got %.1f", stats.HitRate)
	}
}

// TestCacheManagerLRUEviction tests that the least recently used entry goes first
func TestCacheManagerLRUEviction(t *testing.T) {
	cm := NewCacheManager(3)
	for i := 0; i < 3; i++ {
		cm.Put(i, sample(float32(i)))
	}

	// Touch 0 so 1 becomes the oldest.
	cm.Get(0)
	cm.Put(3, sample(3))

	if _, ok := cm.Get(1); ok {
		t.Error("Expected key 1 to be evicted")
	}
	for _, k := range []int{0, 2, 3} {
		if _, ok := cm.Get(k); !ok {
			t.Errorf("Expected key %d to be cached", k)
		}
	}
	if cm.Stats().Size != 3 {
		t.Errorf("Expected size 3, got %d", cm.Stats().Size)
	}
}

func TestCacheManagerDisabled(t *testing.T) {
	cm := NewCacheManager(0)
	cm.Put(1, sample(1))
	if _, ok := cm.Get(1); ok {
		t.Error("A zero-size cache should never hold entries")
	}
}

func TestCacheManagerClear(t *testing.T) {
	cm := NewCacheManager(4)
	cm.Put(1, sample(1))
	cm.Get(1)
	cm.Clear()

	stats := cm.Stats()
	if stats.Size != 0 {
		t.Errorf("Expected empty cache, got %d", stats.Size)
	}
	if stats.Hits != 1 {
		t.Errorf("Expected cumulative hits to survive Clear, got %d", stats.Hits)
	}
}

func TestCacheManagerConcurrency(t *testing.T) {
	cm := NewCacheManager(50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				cm.Put(w*100+i, sample(float32(i)))
				cm.Get(w*100 + i)
			}
		}(w)
	}
	wg.Wait()

	if size := cm.Stats().Size; size != 50 {
		t.Errorf("Expected size capped at 50, got %d", size)
	}
}

func TestCacheStatsString(t *testing.T) {
	s := CacheStats{Size: 2, MaxSize: 10, Hits: 3, Misses: 1, HitRate: 75}
	want := "Cache: 2/10 items, Hits: 3, Misses: 1, Hit Rate: 75.0%"
	if s.String() != want {
		t.Errorf("Expected %q, got %q", want, s.String())
	}
}
