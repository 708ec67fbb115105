package e2factory

import "testing"

func TestHashKnownVector(t *testing.T) {
	h := NewHash()
	h.Append("abc")
	// sha1("abc")
	want := "a9993e364706816aba3e25717850c26c9cd0d89d"
	if got := h.Finish(); got != want {
		t.Fatalf("sha1(abc) = %s, want %s", got, want)
	}
}

func TestAppendLineDiffersFromAppend(t *testing.T) {
	a := NewHash()
	a.Append("x")
	b := NewHash()
	b.AppendLine("x")
	if a.Finish() == b.Finish() {
		t.Fatal("Append and AppendLine produced the same digest")
	}

	c := NewHash()
	c.Append("x\n")
	d := NewHash()
	d.AppendLine("x")
	if c.Finish() != d.Finish() {
		t.Fatal("AppendLine must equal Append of data plus newline")
	}
}

func TestAppendLineBoundary(t *testing.T) {
	// the newline terminator keeps adjacent fields from bleeding into
	// each other
	a := NewHash()
	a.AppendLine("ab")
	a.AppendLine("c")
	b := NewHash()
	b.AppendLine("a")
	b.AppendLine("bc")
	if a.Finish() == b.Finish() {
		t.Fatal("field boundary collision")
	}
}
