package pipeline

import (
	"encoding/json"
	"fmt"
)

// Blob is an opaque serialized payload tagged with the schema that produced
// it. Only the producing component decodes it.
type Blob struct {
	Schema  string `json:"schema,omitempty"`
	Version int    `json:"version,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

// EncodeBlob serializes v as JSON under the given schema and version.
func EncodeBlob(schema string, version int, v any) (Blob, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Blob{}, fmt.Errorf("encode %s/v%d: %w", schema, version, err)
	}
	return Blob{Schema: schema, Version: version, Data: data}, nil
}

// MustEncodeBlob is EncodeBlob for values that cannot fail to marshal.
func MustEncodeBlob(schema string, version int, v any) Blob {
	b, err := EncodeBlob(schema, version, v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode unmarshals the payload into v after checking schema and version.
func (b Blob) Decode(schema string, version int, v any) error {
	if b.Schema != schema {
		return fmt.Errorf("blob schema %q, want %q", b.Schema, schema)
	}
	if b.Version != version {
		return fmt.Errorf("blob %s version %d, want %d", schema, b.Version, version)
	}
	if err := json.Unmarshal(b.Data, v); err != nil {
		return fmt.Errorf("decode %s/v%d: %w", schema, version, err)
	}
	return nil
}

// IsZero reports whether the blob carries no payload.
func (b Blob) IsZero() bool {
	return b.Schema == "" && len(b.Data) == 0
}

// Clone returns a copy that does not share the data slice.
func (b Blob) Clone() Blob {
	if b.Data == nil {
		return b
	}
	c := b
	c.Data = append([]byte(nil), b.Data...)
	return c
}
