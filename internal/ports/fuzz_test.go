package ports

import "testing"

func FuzzAllocate_BlocksStayDisjoint(f *testing.F) {
	f.Add(10, 3, 4)
	f.Add(1, 1, 1)
	f.Add(16, 16, 1)
	f.Add(5, 0, -3)

	f.Fuzz(func(t *testing.T, a, b, c int) {
		pool, err := NewPool(40000, 32)
		if err != nil {
			t.Fatal(err)
		}

		var held []Block
		for _, n := range []int{a, b, c} {
			blk, err := pool.Allocate(n)
			if err != nil {
				continue
			}
			if blk.Count != n {
				t.Fatalf("Allocate(%d) returned %s", n, blk)
			}
			if blk.Base < 40000 || blk.Base+blk.Count > 40032 {
				t.Fatalf("Allocate(%d) = %s outside pool range", n, blk)
			}
			held = append(held, blk)
		}

		seen := make(map[int]bool)
		total := 0
		for _, blk := range held {
			total += blk.Count
			for _, p := range blk.Ports() {
				if seen[p] {
					t.Fatalf("port %d handed out twice across %v", p, held)
				}
				seen[p] = true
			}
		}
		if free := pool.Free(); free != 32-total {
			t.Fatalf("Free() = %d after allocating %d of 32", free, total)
		}

		for _, blk := range held {
			if err := pool.Release(blk); err != nil {
				t.Fatalf("Release(%s) = %v", blk, err)
			}
		}
		if free := pool.Free(); free != 32 {
			t.Fatalf("Free() = %d after releasing everything", free)
		}
	})
}
