package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serialises checkpoint state for the persistent backends.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// JSONCodec encodes state as JSON. It is the default codec.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                    { return "json" }

// MsgpackCodec encodes state as MessagePack. Struct fields use their json
// tags so a state type needs only one set of tags.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (MsgpackCodec) Name() string { return "msgpack" }

// ZstdCodec wraps another codec and compresses its output with zstd.
type ZstdCodec struct {
	Inner Codec
}

func (z ZstdCodec) Encode(v any) ([]byte, error) {
	raw, err := z.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (z ZstdCodec) Decode(data []byte, v any) error {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	return z.Inner.Decode(raw, v)
}

func (z ZstdCodec) Name() string { return z.Inner.Name() + "+zstd" }

// CodecByName resolves a codec from its configured name: "json", "msgpack",
// optionally suffixed with "+zstd". An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	base, compressed := strings.CutSuffix(name, "+zstd")
	var c Codec
	switch base {
	case "", "json":
		c = JSONCodec{}
	case "msgpack":
		c = MsgpackCodec{}
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	if compressed {
		c = ZstdCodec{Inner: c}
	}
	return c, nil
}
