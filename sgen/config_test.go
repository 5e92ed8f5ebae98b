package sgen

import "testing"

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want uintptr
		ok   bool
	}{
		{"0", 0, true},
		{"4096", 4096, true},
		{"16k", 16 << 10, true},
		{"4m", 4 << 20, true},
		{"2g", 2 << 30, true},
		{"512K", 512 << 10, true},
		{"", 0, false},
		{"12q", 0, false},
		{"k", 0, false},
	}
	for _, c := range cases {
		got, err := parseSize(c.in)
		if c.ok != (err == nil) {
			t.Errorf("parseSize(%q) error = %v, want ok=%v", c.in, err, c.ok)
			continue
		}
		if err == nil && got != c.want {
			t.Errorf("parseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseParams(t *testing.T) {
	p := defaultParams()
	err := parseParams("major=marksweep-par,wbarrier=cardtable,nursery-size=8m,max-heap-size=1g,soft-heap-limit=512m,stack-mark=precise,workers=4", &p)
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if p.majorName != "marksweep-par" || p.wbarrierName != "cardtable" {
		t.Fatalf("backends not selected: %+v", p)
	}
	if p.nurserySize != 8<<20 || p.maxHeapSize != 1<<30 || p.softHeapLimit != 512<<20 {
		t.Fatalf("sizes not parsed: %+v", p)
	}
	if !p.preciseStackMark || p.workers != 4 {
		t.Fatalf("stack-mark/workers not parsed: %+v", p)
	}
}

func TestParseParamsErrors(t *testing.T) {
	bad := []string{
		"major=generational",
		"wbarrier=logbuffer",
		"nursery-size=3m",    // not a power of two
		"nursery-size=1k",    // below the minimum
		"workers=0",
		"workers=64",
		"stack-mark=sloppy",
		"frobnicate=1",
	}
	for _, s := range bad {
		p := defaultParams()
		if err := parseParams(s, &p); err == nil {
			t.Errorf("parseParams(%q) accepted", s)
		}
	}
}

func TestParseDebugFlags(t *testing.T) {
	var d debugFlags
	err := parseDebugFlags("collect-before-allocs=7,check-at-minor-collections,clear-at-gc,verify-nursery-at-minor-gc,heap-dump=/tmp/h.dump,print-pinning", &d)
	if err != nil {
		t.Fatalf("parseDebugFlags: %v", err)
	}
	if d.collectBeforeAllocs != 7 || !d.checkAtMinor || !d.clearAtGC || !d.verifyNursery {
		t.Fatalf("flags not parsed: %+v", d)
	}
	if d.heapDump != "/tmp/h.dump" || !d.printPinning {
		t.Fatalf("valued flags not parsed: %+v", d)
	}

	var d2 debugFlags
	if err := parseDebugFlags("collect-before-allocs", &d2); err != nil || d2.collectBeforeAllocs != 1 {
		t.Fatalf("bare collect-before-allocs should default to 1: %v %+v", err, d2)
	}
	if err := parseDebugFlags("heap-dump", &d2); err == nil {
		t.Error("heap-dump without a file accepted")
	}
	if err := parseDebugFlags("santa-checks", &d2); err == nil {
		t.Error("unknown debug flag accepted")
	}
}
