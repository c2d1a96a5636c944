package memory

import "testing"

func TestAsidPoolBasicAllocation(t *testing.T) {
	p := NewAddressSpaceIdPool(10)
	asid, gen := p.Allocate()
	if asid == 0 || asid > 10 {
		t.Fatalf("got asid %d, want in [1,10]", asid)
	}
	if gen != 0 {
		t.Fatalf("got generation %d, want 0", gen)
	}

	asid2, gen2 := p.Allocate()
	if asid2 == asid {
		t.Fatal("expected a different asid on second allocation")
	}
	if gen2 != 0 {
		t.Fatalf("got generation %d, want 0", gen2)
	}
}

func TestAsidPoolFreeAllocation(t *testing.T) {
	p := NewAddressSpaceIdPool(5)
	asid, gen := p.Allocate()
	if err := p.Free(asid); err != nil {
		t.Fatalf("Free: %v", err)
	}
	asid2, gen2 := p.Allocate()
	if gen != gen2 {
		t.Fatalf("generation changed after free+realloc: %d != %d", gen, gen2)
	}
	if asid2 == 0 || asid2 > 5 {
		t.Fatalf("got asid %d, want in [1,5]", asid2)
	}
}

func TestAsidPoolOutOfBoundsFree(t *testing.T) {
	p := NewAddressSpaceIdPool(5)
	if err := p.Free(6); err == nil {
		t.Fatal("expected an error freeing an out-of-range asid")
	}
	if err := p.Free(0xffff); err == nil {
		t.Fatal("expected an error freeing a way out-of-range asid")
	}
}

func TestAsidPoolFreeUnallocated(t *testing.T) {
	p := NewAddressSpaceIdPool(5)
	if err := p.Free(1); err == nil {
		t.Fatal("expected an error freeing an asid that was never allocated")
	}
}

func TestAsidPoolExhaustionAndReset(t *testing.T) {
	p := NewAddressSpaceIdPool(3)
	for i := 0; i < 3; i++ {
		asid, gen := p.Allocate()
		if asid < 1 || asid > 3 {
			t.Fatalf("got asid %d, want in [1,3]", asid)
		}
		if gen != 0 {
			t.Fatalf("got generation %d, want 0", gen)
		}
	}

	asidNew, genNew := p.Allocate()
	if asidNew < 1 || asidNew > 3 {
		t.Fatalf("got asid %d, want in [1,3]", asidNew)
	}
	if genNew != 1 {
		t.Fatalf("got generation %d, want 1", genNew)
	}
}

func TestAsidPoolGenerationIncrements(t *testing.T) {
	p := NewAddressSpaceIdPool(2)
	_, g1 := p.Allocate()
	_, g2 := p.Allocate()
	if g1 != 0 || g2 != 0 {
		t.Fatalf("got generations (%d,%d), want (0,0)", g1, g2)
	}

	_, g3 := p.Allocate()
	if g3 != 1 {
		t.Fatalf("got generation %d, want 1", g3)
	}
	_, g4 := p.Allocate()
	if g4 != 1 {
		t.Fatalf("got generation %d, want 1", g4)
	}
	_, g5 := p.Allocate()
	if g5 != 2 {
		t.Fatalf("got generation %d, want 2", g5)
	}
}

func TestAsidPoolCurrentGeneration(t *testing.T) {
	p := NewAddressSpaceIdPool(3)
	if p.CurrentGeneration() != 0 {
		t.Fatalf("got generation %d, want 0", p.CurrentGeneration())
	}
	for i := 0; i < 3; i++ {
		p.Allocate()
	}
	p.Allocate()
	if p.CurrentGeneration() != 1 {
		t.Fatalf("got generation %d, want 1", p.CurrentGeneration())
	}
}
