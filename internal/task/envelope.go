package task

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// ResultFile is the envelope artifact's name inside a job's work dir.
const ResultFile = "result.bin"

// ResultEnvelope is produced exactly once per terminal job: either a
// serialized value or a textual description of the remote failure. Remote
// errors travel as kind + message only; the original error type is never
// reconstructed on the submitting side.
type ResultEnvelope struct {
	Success    bool     `json:"success"`
	Encoding   Encoding `json:"encoding"`
	Value      []byte   `json:"value,omitempty"`
	ErrKind    string   `json:"err_kind,omitempty"`
	ErrMessage string   `json:"err_message,omitempty"`
	LogExcerpt string   `json:"log_excerpt,omitempty"`
}

// NewSuccessEnvelope serializes a task's return value.
func NewSuccessEnvelope(v any, enc Encoding) (*ResultEnvelope, error) {
	env := &ResultEnvelope{Success: true, Encoding: enc}
	if v != nil {
		blob, err := encodeValue(enc, v)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		env.Value = blob
	}
	return env, nil
}

// NewFailureEnvelope captures a remote failure as text.
func NewFailureEnvelope(kind, message, logExcerpt string, enc Encoding) *ResultEnvelope {
	return &ResultEnvelope{
		Success:    false,
		Encoding:   enc,
		ErrKind:    kind,
		ErrMessage: message,
		LogExcerpt: logExcerpt,
	}
}

// Marshal serializes the envelope with its own encoding, so the submitting
// side can decode it with nothing but the job's known encoding.
func (e *ResultEnvelope) Marshal() ([]byte, error) {
	switch e.Encoding {
	case EncodingGob:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(e); err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return buf.Bytes(), nil
	case EncodingJSON:
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", e.Encoding)
	}
}

// UnmarshalEnvelope reverses Marshal.
func UnmarshalEnvelope(data []byte, enc Encoding) (*ResultEnvelope, error) {
	env := &ResultEnvelope{}
	switch enc {
	case EncodingGob:
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
	case EncodingJSON:
		if err := json.Unmarshal(data, env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
	if env.Encoding == "" {
		env.Encoding = enc
	}
	return env, nil
}
