package cas

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	manifestSize      protowire.Number = 1
	manifestChunk     protowire.Number = 2
	manifestCreatedAt protowire.Number = 3
)

// manifest lists the chunks of one object in order.
type manifest struct {
	Size      int64
	Chunks    []string
	CreatedAt int64 // unix nanoseconds
}

func (m manifest) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, manifestSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Size))
	for _, h := range m.Chunks {
		b = protowire.AppendTag(b, manifestChunk, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	b = protowire.AppendTag(b, manifestCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CreatedAt))
	return b
}

func unmarshalManifest(b []byte) (manifest, error) {
	var m manifest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return manifest{}, fmt.Errorf("%w: manifest tag: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == manifestChunk && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return manifest{}, fmt.Errorf("%w: manifest chunk: %v", ErrCorrupt, protowire.ParseError(n))
			}
			m.Chunks = append(m.Chunks, v)
			b = b[n:]
		case (num == manifestSize || num == manifestCreatedAt) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return manifest{}, fmt.Errorf("%w: manifest field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
			}
			if num == manifestSize {
				m.Size = int64(v)
			} else {
				m.CreatedAt = int64(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return manifest{}, fmt.Errorf("%w: manifest field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if m.Size < 0 {
		return manifest{}, fmt.Errorf("%w: negative manifest size", ErrCorrupt)
	}
	return m, nil
}
