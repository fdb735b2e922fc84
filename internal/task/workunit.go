package task

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/offloadlabs/offload/internal/model"
)

// Work unit file names inside a job's remote work dir. The extension mirrors
// the encoding so the remote runner can tell them apart without peeking.
const (
	WorkUnitBinFile  = "workunit.bin"
	WorkUnitJSONFile = "workunit.json"
)

// ShardRange is the half-open index range [Start, End) one shard covers,
// plus the accelerator device the shard should bind to (-1 for none).
type ShardRange struct {
	Start  int `json:"start"`
	End    int `json:"end"`
	Device int `json:"device"`
}

// WorkUnit is the self-contained transportable description of one callable
// invocation: the task name, one serialized blob per positional argument,
// optional keyword arguments matched to fields of the task's options struct,
// and the declared resource needs. Immutable once captured.
type WorkUnit struct {
	Task      string             `json:"task"`
	Encoding  Encoding           `json:"encoding"`
	Args      [][]byte           `json:"args,omitempty"`
	Kwargs    map[string][]byte  `json:"kwargs,omitempty"`
	Shard     *ShardRange        `json:"shard,omitempty"`
	Resources model.ResourceSpec `json:"resources"`
}

// FileName returns the work unit's file name for its encoding.
func (w *WorkUnit) FileName() string {
	if w.Encoding == EncodingJSON {
		return WorkUnitJSONFile
	}
	return WorkUnitBinFile
}

// Capture turns a task invocation into a WorkUnit. Positional args are
// checked for arity and assignability against the registered function's
// parameters and serialized one blob each. Keyword args require the
// function's final parameter to be a struct not already filled positionally;
// each kwarg is matched to an exported field by name.
func (r *Registry) Capture(name string, args []any, kwargs map[string]any, spec model.ResourceSpec, enc Encoding) (*WorkUnit, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	want := len(e.params)
	optStruct := optionsParam(e)
	if len(kwargs) > 0 && optStruct == nil {
		return nil, fmt.Errorf("task %q: keyword arguments require a trailing struct parameter", name)
	}
	if len(kwargs) > 0 {
		want--
	}
	if len(args) != want {
		return nil, fmt.Errorf("task %q: got %d positional args, want %d", name, len(args), want)
	}

	wu := &WorkUnit{
		Task:      name,
		Encoding:  enc,
		Resources: spec,
	}

	for i, a := range args {
		if a != nil && !reflect.TypeOf(a).AssignableTo(e.params[i]) {
			return nil, fmt.Errorf("task %q: arg %d is %T, want %s", name, i, a, e.params[i])
		}
		blob, err := encodeValue(enc, a)
		if err != nil {
			return nil, fmt.Errorf("task %q: arg %d: %w", name, i, err)
		}
		wu.Args = append(wu.Args, blob)
	}

	if len(kwargs) > 0 {
		wu.Kwargs = make(map[string][]byte, len(kwargs))
		for k, v := range kwargs {
			f, ok := optStruct.FieldByName(k)
			if !ok || !f.IsExported() {
				return nil, fmt.Errorf("task %q: no option field %q", name, k)
			}
			if v != nil && !reflect.TypeOf(v).AssignableTo(f.Type) {
				return nil, fmt.Errorf("task %q: option %q is %T, want %s", name, k, v, f.Type)
			}
			blob, err := encodeValue(enc, v)
			if err != nil {
				return nil, fmt.Errorf("task %q: option %q: %w", name, k, err)
			}
			wu.Kwargs[k] = blob
		}
	}

	return wu, nil
}

// Transcode re-encodes a work unit's argument blobs into another encoding.
// The blobs are opaque without the registered parameter types, so the
// registry decodes each one into its concrete type and encodes it again.
// A unit already in the target encoding is returned unchanged.
func (r *Registry) Transcode(wu *WorkUnit, enc Encoding) (*WorkUnit, error) {
	if wu.Encoding == enc {
		return wu, nil
	}
	e, err := r.lookup(wu.Task)
	if err != nil {
		return nil, err
	}

	out := *wu
	out.Encoding = enc
	out.Args = nil

	for i, blob := range wu.Args {
		if i >= len(e.params) {
			return nil, fmt.Errorf("task %q: got %d arg blobs, want at most %d", wu.Task, len(wu.Args), len(e.params))
		}
		ptr := reflect.New(e.params[i])
		if err := decodeInto(wu.Encoding, blob, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("task %q: arg %d: %w", wu.Task, i, err)
		}
		again, err := encodeValue(enc, ptr.Elem().Interface())
		if err != nil {
			return nil, fmt.Errorf("task %q: arg %d: %w", wu.Task, i, err)
		}
		out.Args = append(out.Args, again)
	}

	if len(wu.Kwargs) > 0 {
		optStruct := optionsParam(e)
		if optStruct == nil {
			return nil, fmt.Errorf("task %q: keyword blobs require a trailing struct parameter", wu.Task)
		}
		out.Kwargs = make(map[string][]byte, len(wu.Kwargs))
		for k, blob := range wu.Kwargs {
			f, ok := optStruct.FieldByName(k)
			if !ok || !f.IsExported() {
				return nil, fmt.Errorf("task %q: no option field %q", wu.Task, k)
			}
			ptr := reflect.New(f.Type)
			if err := decodeInto(wu.Encoding, blob, ptr.Interface()); err != nil {
				return nil, fmt.Errorf("task %q: option %q: %w", wu.Task, k, err)
			}
			again, err := encodeValue(enc, ptr.Elem().Interface())
			if err != nil {
				return nil, fmt.Errorf("task %q: option %q: %w", wu.Task, k, err)
			}
			out.Kwargs[k] = again
		}
	}

	return &out, nil
}

// optionsParam returns the trailing struct parameter type used for keyword
// arguments, or nil when the task has none.
func optionsParam(e *entry) reflect.Type {
	if len(e.params) == 0 {
		return nil
	}
	last := e.params[len(e.params)-1]
	if last.Kind() != reflect.Struct {
		return nil
	}
	return last
}

// Marshal serializes the work unit itself for transport, using its own
// encoding: gob for the binary path, JSON for the portable one.
func (w *WorkUnit) Marshal() ([]byte, error) {
	switch w.Encoding {
	case EncodingGob:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(w); err != nil {
			return nil, fmt.Errorf("marshal work unit: %w", err)
		}
		return buf.Bytes(), nil
	case EncodingJSON:
		data, err := json.Marshal(w)
		if err != nil {
			return nil, fmt.Errorf("marshal work unit: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", w.Encoding)
	}
}

// UnmarshalWorkUnit reverses Marshal. The encoding is given by which file
// the bytes came from.
func UnmarshalWorkUnit(data []byte, enc Encoding) (*WorkUnit, error) {
	wu := &WorkUnit{}
	switch enc {
	case EncodingGob:
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(wu); err != nil {
			return nil, fmt.Errorf("unmarshal work unit: %w", err)
		}
	case EncodingJSON:
		if err := json.Unmarshal(data, wu); err != nil {
			return nil, fmt.Errorf("unmarshal work unit: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
	if wu.Encoding == "" {
		wu.Encoding = enc
	}
	return wu, nil
}
