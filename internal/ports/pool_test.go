package ports

import (
	"errors"
	"sync"
	"testing"
)

func TestAllocateDisjoint(t *testing.T) {
	p, err := NewPool(40000, 100)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	seen := make(map[int]Block)
	for i := 0; i < 10; i++ {
		b, err := p.Allocate(10)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		for _, port := range b.Ports() {
			if prev, ok := seen[port]; ok {
				t.Fatalf("port %d allocated in both %s and %s", port, prev, b)
			}
			seen[port] = b
		}
	}

	if _, err := p.Allocate(1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestReleaseMakesPortsReusable(t *testing.T) {
	p, _ := NewPool(40000, 20)

	b1, err := p.Allocate(20)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := p.Allocate(1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	if err := p.Release(b1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	b2, err := p.Allocate(20)
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if b2.Base != 40000 || b2.Count != 20 {
		t.Fatalf("unexpected block %s", b2)
	}
}

func TestReleaseErrors(t *testing.T) {
	p, _ := NewPool(40000, 20)
	b, _ := p.Allocate(5)

	if err := p.Release(b); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := p.Release(b); err == nil {
		t.Fatal("double release: expected error")
	}
	if err := p.Release(Block{Base: 50000, Count: 5}); err == nil {
		t.Fatal("foreign block: expected error")
	}
}

func TestAllocateSkipsFragmentedRuns(t *testing.T) {
	p, _ := NewPool(40000, 30)

	a, _ := p.Allocate(10)
	b, _ := p.Allocate(10)
	c, _ := p.Allocate(10)
	_ = a
	_ = c
	if err := p.Release(b); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Only the middle block is free; a block of 10 must land exactly there.
	d, err := p.Allocate(10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if d.Base != b.Base {
		t.Fatalf("expected reuse of %s, got %s", b, d)
	}
	if _, err := p.Allocate(10); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestConcurrentAllocateRelease(t *testing.T) {
	p, _ := NewPool(40000, 400)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b, err := p.Allocate(5)
				if err != nil {
					continue
				}
				if err := p.Release(b); err != nil {
					t.Errorf("Release(%s): %v", b, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if free := p.Free(); free != 400 {
		t.Fatalf("expected all ports free, got %d", free)
	}
}
