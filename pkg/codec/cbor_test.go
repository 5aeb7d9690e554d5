package codec

import (
	"bytes"
	"math"
	"testing"
)

type sample struct {
	Head  int       `cbor:"head"`
	Count int       `cbor:"count"`
	Vals  []float64 `cbor:"vals"`
}

func TestRoundtripKeepsNaN(t *testing.T) {
	in := sample{Head: 3, Count: 2, Vals: []float64{1.5, math.NaN()}}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Head != 3 || out.Count != 2 || out.Vals[0] != 1.5 || !math.IsNaN(out.Vals[1]) {
		t.Errorf("roundtrip mismatch: %+v", out)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	in := sample{Head: 1, Count: 1, Vals: []float64{2}}
	a, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two encodings of the same value differ")
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	var out sample
	if err := Unmarshal([]byte{0xff, 0x00, 0x13}, &out); err == nil {
		t.Error("expected error decoding garbage")
	}
}
