package codec

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestJSONCodec(t *testing.T) {
	codec := &JSONCodec{}

	type TestStruct struct {
		Name  string
		Value int
	}

	original := &TestStruct{Name: "test", Value: 42}

	data, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	decoded := &TestStruct{}
	if err := codec.Decode(data, decoded); err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if decoded.Name != original.Name || decoded.Value != original.Value {
		t.Errorf("Mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestProtobufCodec(t *testing.T) {
	codec := &ProtobufCodec{}
	original := wrapperspb.Int32(42)

	data, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	decoded := &wrapperspb.Int32Value{}
	if err := codec.Decode(data, decoded); err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if decoded.Value != original.Value {
		t.Errorf("Mismatch: got %d, want %d", decoded.Value, original.Value)
	}
}

func TestProtobufCodecInvalidType(t *testing.T) {
	codec := &ProtobufCodec{}

	_, err := codec.Encode("not a proto message")
	if !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("Expected ErrUnsupportedCodec, got %v", err)
	}
}

func TestForValue(t *testing.T) {
	cases := []struct {
		name string
		v    any
		want string
	}{
		{"proto", wrapperspb.String("x"), "protobuf"},
		{"map", map[string]int{"a": 1}, "json"},
		{"struct pointer", &struct{ A int }{1}, "json"},
		{"slice", []int{1, 2}, "json"},
		{"int", 7, ""},
		{"nil", nil, ""},
	}

	for _, tc := range cases {
		c := ForValue(tc.v)
		got := ""
		if c != nil {
			got = c.Name()
		}
		if got != tc.want {
			t.Errorf("%s: ForValue = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestGetCodec(t *testing.T) {
	if _, err := GetCodec(CodecJSON); err != nil {
		t.Errorf("GetCodec(JSON): %v", err)
	}
	if _, err := GetCodec(0x7f); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("GetCodec(0x7f) error = %v", err)
	}
}

func BenchmarkProtobufEncode(b *testing.B) {
	codec := &ProtobufCodec{}
	msg := wrapperspb.String("benchmark message with some data")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Encode(msg)
	}
}

func BenchmarkProtobufDecode(b *testing.B) {
	codec := &ProtobufCodec{}
	msg := wrapperspb.String("benchmark message")
	data, _ := proto.Marshal(msg)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		decoded := &wrapperspb.StringValue{}
		_ = codec.Decode(data, decoded)
	}
}
