package ids

import "testing"

func TestNext(t *testing.T) {
	cases := map[string]string{
		"0":  "1",
		"9":  "a",
		"z":  "10",
		"zz": "100",
		"1z": "20",
		"az": "b0",
	}
	for in, want := range cases {
		if got := Next(in); got != want {
			t.Errorf("Next(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLess(t *testing.T) {
	if !Less("9", "10") {
		t.Error("expected \"9\" < \"10\"")
	}
	if !Less("a", "b") {
		t.Error("expected \"a\" < \"b\"")
	}
	if Less("10", "9") {
		t.Error("expected \"10\" not < \"9\"")
	}
}

func TestNextPanicsOnCorruptKey(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on corrupt key")
		}
	}()
	Next("1-1")
}
