// Package codec provides the serializers used to carry layer data alongside
// in-process frames. Layer data is always serialized, even though the
// payload itself is passed by reference, so layers observe exactly what a
// networked transport would hand them.
package codec

import (
	"strings"

	"github.com/pkg/errors"
)

// Codec marshals layer data values.
// Implementations must be deterministic and safe for concurrent use.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	ContentJSON  = "application/json"
	ContentCBOR  = "application/cbor"
	ContentProto = "application/x-protobuf"
)

// Registry maps content types and short names to codecs.
type Registry struct {
	byType map[string]Codec
}

// NewRegistry returns a registry preloaded with the JSON, CBOR and Protobuf codecs.
func NewRegistry() (*Registry, error) {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	return r, nil
}

// Register adds or replaces a codec under its content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// ByName resolves a short name ("json", "cbor", "proto") or a full content type.
func (r *Registry) ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cbor":
		name = ContentCBOR
	case "json":
		name = ContentJSON
	case "proto", "protobuf":
		name = ContentProto
	}
	if c := r.Get(name); c != nil {
		return c, nil
	}
	return nil, errors.Errorf("codec: unknown codec %q", name)
}
