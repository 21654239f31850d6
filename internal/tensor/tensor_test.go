package tensor

import "testing"

func TestParseDTypeRoundTrip(t *testing.T) {
	cases := []string{"FLOAT32", "INT64", "UINT8", "BOOL", "STRING"}
	for _, c := range cases {
		d, err := ParseDType(c)
		if err != nil {
			t.Fatalf("ParseDType(%q): %v", c, err)
		}
		if d.String() != c {
			t.Fatalf("round trip mismatch: %q -> %q", c, d.String())
		}
	}
}

func TestParseDTypeAcceptsBareFloatAndDoubleAliases(t *testing.T) {
	d, err := ParseDType("FLOAT")
	if err != nil {
		t.Fatalf("ParseDType(FLOAT): %v", err)
	}
	if d != (DType{Kind: KindFloat, Width: 32}) {
		t.Fatalf("FLOAT alias: got %+v, want FLOAT32", d)
	}

	d, err = ParseDType("DOUBLE")
	if err != nil {
		t.Fatalf("ParseDType(DOUBLE): %v", err)
	}
	if d != (DType{Kind: KindFloat, Width: 64}) {
		t.Fatalf("DOUBLE alias: got %+v, want FLOAT64", d)
	}
}

func TestParseDTypeUnknown(t *testing.T) {
	if _, err := ParseDType("FLOAT7"); err == nil {
		t.Fatal("expected error for unknown dtype")
	}
}

func TestChecksumVerification(t *testing.T) {
	tt := New(DType{Kind: KindFloat, Width: 32}, []int64{1}, []byte{0, 0, 128, 63})
	if !tt.VerifyChecksum() {
		t.Fatal("expected checksum to verify on unmodified payload")
	}
	corrupted := tt.Clone()
	corrupted.data = []byte{1, 2, 3, 4}
	if corrupted.VerifyChecksum() {
		t.Fatal("expected checksum mismatch on corrupted payload")
	}
}

func TestSameShapeTail(t *testing.T) {
	dt := DType{Kind: KindFloat, Width: 32}
	a := New(dt, []int64{1, 4}, make([]byte, 16))
	b := New(dt, []int64{3, 4}, make([]byte, 48))
	c := New(dt, []int64{1, 5}, make([]byte, 20))
	if !SameShapeTail(a, b) {
		t.Fatal("expected a,b batchable (differ only in dim 0)")
	}
	if SameShapeTail(a, c) {
		t.Fatal("expected a,c not batchable (differ in dim 1)")
	}
}

func TestConcatAndSlice(t *testing.T) {
	dt := DType{Kind: KindFloat, Width: 32}
	a := New(dt, []int64{1, 2}, []byte{0, 0, 0, 0, 1, 1, 1, 1})
	b := New(dt, []int64{2, 2}, []byte{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5})
	merged, sizes, err := Concat([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	if merged.shape[0] != 3 || len(sizes) != 2 || sizes[0] != 1 || sizes[1] != 2 {
		t.Fatalf("unexpected merged shape/sizes: %v %v", merged.shape, sizes)
	}
	out, err := merged.Slice(1, 2)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if out.shape[0] != 2 || len(out.data) != 16 {
		t.Fatalf("unexpected slice result: %v len=%d", out.shape, len(out.data))
	}
}
