package task

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Encoding selects how arguments and results cross the process boundary.
type Encoding string

const (
	// EncodingGob is the primary binary encoding. It requires the remote
	// runner to be the same build as the local process.
	EncodingGob Encoding = "gob"

	// EncodingJSON is the portable fallback, chosen automatically when the
	// target's runner build is not guaranteed to match the local one. It
	// requires the task's arguments and result to be JSON-representable.
	EncodingJSON Encoding = "json"
)

// ChooseEncoding picks the wire encoding for a target. An empty or matching
// remote runtime tag means the binary path is safe; anything else falls back
// to the portable encoding.
func ChooseEncoding(localTag, remoteTag string) Encoding {
	if remoteTag == "" || remoteTag == localTag {
		return EncodingGob
	}
	return EncodingJSON
}

func encodeValue(enc Encoding, v any) ([]byte, error) {
	switch enc {
	case EncodingGob:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(v); err != nil {
			return nil, fmt.Errorf("gob encode: %w", err)
		}
		return buf.Bytes(), nil
	case EncodingJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json encode: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// decodeInto decodes data into ptr, which must be a pointer to the concrete
// expected type. The decode side always knows the type from its own task
// registry, so no type information travels on the wire.
func decodeInto(enc Encoding, data []byte, ptr any) error {
	switch enc {
	case EncodingGob:
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(ptr); err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
		return nil
	case EncodingJSON:
		if err := json.Unmarshal(data, ptr); err != nil {
			return fmt.Errorf("json decode: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown encoding %q", enc)
	}
}
