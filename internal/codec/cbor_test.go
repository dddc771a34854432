package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	B string `cbor:"b"`
	A int64  `cbor:"a"`
	M map[string]int64
}

func TestMarshalDeterministic(t *testing.T) {
	v := sample{B: "x", A: 7, M: map[string]int64{"z": 1, "a": 2, "m": 3}}
	first, err := Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding %d differs from first", i)
		}
	}
}

func TestUnmarshalInto(t *testing.T) {
	data, err := Marshal(sample{B: "hello", A: -3})
	if err != nil {
		t.Fatal(err)
	}
	var got sample
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.B != "hello" || got.A != -3 {
		t.Errorf("got %+v", got)
	}
}

func TestUnmarshalGenericMap(t *testing.T) {
	data, err := Marshal(map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	var got any
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", got)
	}
	if m["k"] != "v" {
		t.Errorf("m[k] = %v", m["k"])
	}
}

func TestGRPCCodecName(t *testing.T) {
	if (GRPC{}).Name() != "cbor" {
		t.Errorf("name = %q", GRPC{}.Name())
	}
}
