package ident

import "testing"

func TestGenerator_Monotonic(t *testing.T) {
	g, err := NewGenerator(1)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if id <= prev {
			t.Fatalf("expected monotonic ids, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestGenerator_InvalidShard(t *testing.T) {
	if _, err := NewGenerator(10240); err == nil {
		t.Fatal("expected error for out-of-range shard id")
	}
}
