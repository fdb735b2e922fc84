package task

import (
	"context"
	"testing"

	"github.com/offloadlabs/offload/internal/model"
)

func TestInvokeMappableShard(t *testing.T) {
	r := NewRegistry()
	r.MustRegisterMappable("square", func(i int, offset int) int { return i*i + offset })

	wu, err := r.Capture("square", []any{100}, nil, model.ResourceSpec{}, EncodingGob)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	wu.Shard = &ShardRange{Start: 2, End: 5, Device: -1}

	v, err := r.Invoke(context.Background(), wu)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := v.([]int)
	want := []int{104, 109, 116}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestInvokeMappableRequiresShard(t *testing.T) {
	r := NewRegistry()
	r.MustRegisterMappable("kernel", func(i int) int { return i })
	wu, err := r.Capture("kernel", nil, nil, model.ResourceSpec{}, EncodingGob)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if _, err := r.Invoke(context.Background(), wu); err == nil {
		t.Error("expected error invoking a mappable task without a shard range")
	}
}

func TestInvokeRejectsShardOnPlainTask(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("plain", func() int { return 1 })
	wu, err := r.Capture("plain", nil, nil, model.ResourceSpec{}, EncodingGob)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	wu.Shard = &ShardRange{Start: 0, End: 1}

	if _, err := r.Invoke(context.Background(), wu); err == nil {
		t.Error("expected error invoking a plain task with a shard range")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{EncodingGob, EncodingJSON} {
		env, err := NewSuccessEnvelope(42, enc)
		if err != nil {
			t.Fatalf("%s: NewSuccessEnvelope: %v", enc, err)
		}
		data, err := env.Marshal()
		if err != nil {
			t.Fatalf("%s: Marshal: %v", enc, err)
		}
		got, err := UnmarshalEnvelope(data, enc)
		if err != nil {
			t.Fatalf("%s: UnmarshalEnvelope: %v", enc, err)
		}
		if !got.Success {
			t.Errorf("%s: success lost", enc)
		}
	}
}

func TestDecodeResult(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("answer", func() (int, error) { return 0, nil })

	env, err := NewSuccessEnvelope(42, EncodingGob)
	if err != nil {
		t.Fatalf("NewSuccessEnvelope: %v", err)
	}
	v, err := r.DecodeResult("answer", env)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if v.(int) != 42 {
		t.Errorf("got %v, want 42", v)
	}
}

func TestDecodeResultMappableSlice(t *testing.T) {
	r := NewRegistry()
	r.MustRegisterMappable("kernel", func(i int) float64 { return float64(i) })

	env, err := NewSuccessEnvelope([]float64{1, 2, 3}, EncodingJSON)
	if err != nil {
		t.Fatalf("NewSuccessEnvelope: %v", err)
	}
	v, err := r.DecodeResult("kernel", env)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	got := v.([]float64)
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("got %v, want [1 2 3]", got)
	}
}

func TestFailureEnvelopeCarriesText(t *testing.T) {
	env := NewFailureEnvelope("*fs.PathError", "no such file", "tail", EncodingJSON)
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(data, EncodingJSON)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if got.Success {
		t.Error("failure envelope reported success")
	}
	if got.ErrKind != "*fs.PathError" || got.ErrMessage != "no such file" || got.LogExcerpt != "tail" {
		t.Errorf("failure fields lost: %+v", got)
	}
}
