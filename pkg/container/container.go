// Package container implements the self-describing encrypted blob format used
// for every stored evidence file.
//
// Layout, in this exact order and without delimiters:
//
//	+-------------------+----------------------+---------+------------------------+
//	| metadataLength u32| metadata (JSON, UTF8)| IV (12) | AES-256-GCM ct || tag  |
//	| little-endian     | metadataLength bytes |         | remaining bytes        |
//	+-------------------+----------------------+---------+------------------------+
//
// The length prefix is little-endian. Containers written by the browser client
// (Uint32Array on little-endian hosts) use the same layout.
package container

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/typicallhavok/evidence-vault/pkg/keyderive"
)

const (
	// LengthPrefixSize is the width of the metadata length header.
	LengthPrefixSize = 4
	// IVSize is the AES-GCM nonce size.
	IVSize = 12
	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16
	// MaxMetadataSize bounds the metadata block accepted on decode.
	MaxMetadataSize = 1 << 20
)

var (
	// ErrFormat marks malformed containers or keys. Never retried.
	ErrFormat = errors.New("container: malformed data")
	// ErrAuthentication marks a failed AEAD open: wrong key or corrupted data.
	ErrAuthentication = errors.New("container: decryption failed, wrong key or corrupted data")
)

// Header is the parsed, not yet decrypted, view of a container.
type Header struct {
	Metadata   Metadata
	IV         []byte
	Ciphertext []byte
}

// Decoded is the result of a successful Decode.
type Decoded struct {
	Plaintext []byte
	Metadata  Metadata
}

// Encode seals plaintext under key and serializes the container. md.Size
// must equal len(plaintext).
func Encode(plaintext []byte, md Metadata, key keyderive.HexKey) ([]byte, error) { // A
	return encode(rand.Reader, plaintext, md, key)
}

func encode(random io.Reader, plaintext []byte, md Metadata, key keyderive.HexKey) ([]byte, error) { // A
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if md.Size != int64(len(plaintext)) {
		return nil, fmt.Errorf("%w: metadata size %d does not match plaintext length %d", ErrFormat, md.Size, len(plaintext))
	}

	metaBytes, err := md.marshal()
	if err != nil {
		return nil, err
	}
	if len(metaBytes) > MaxMetadataSize {
		return nil, fmt.Errorf("%w: metadata too large (%d bytes)", ErrFormat, len(metaBytes))
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, fmt.Errorf("container: generate iv: %w", err)
	}

	out := make([]byte, LengthPrefixSize, LengthPrefixSize+len(metaBytes)+IVSize+len(plaintext)+TagSize)
	binary.LittleEndian.PutUint32(out, uint32(len(metaBytes)))
	out = append(out, metaBytes...)
	out = append(out, iv...)
	out = aead.Seal(out, iv, plaintext, nil)
	return out, nil
}

// ParseHeader splits a container into its parts and validates the metadata
// without decrypting anything.
func ParseHeader(data []byte) (Header, error) { // A
	if len(data) < LengthPrefixSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the length header", ErrFormat, len(data))
	}
	metaLen := binary.LittleEndian.Uint32(data[:LengthPrefixSize])
	if metaLen > MaxMetadataSize {
		return Header{}, fmt.Errorf("%w: metadata length %d exceeds limit", ErrFormat, metaLen)
	}

	metaEnd := LengthPrefixSize + int(metaLen)
	ivEnd := metaEnd + IVSize
	if len(data) < ivEnd {
		return Header{}, fmt.Errorf("%w: truncated container, need %d header bytes, have %d", ErrFormat, ivEnd, len(data))
	}
	if len(data)-ivEnd < TagSize {
		return Header{}, fmt.Errorf("%w: ciphertext shorter than authentication tag", ErrFormat)
	}

	md, err := parseMetadata(data[LengthPrefixSize:metaEnd])
	if err != nil {
		return Header{}, err
	}

	return Header{
		Metadata:   md,
		IV:         data[metaEnd:ivEnd],
		Ciphertext: data[ivEnd:],
	}, nil
}

// Decode parses and opens a container. A wrong key or any modification of the
// IV, ciphertext or tag yields ErrAuthentication and no plaintext.
func Decode(data []byte, key keyderive.HexKey) (Decoded, error) { // A
	aead, err := newAEAD(key)
	if err != nil {
		return Decoded{}, err
	}
	h, err := ParseHeader(data)
	if err != nil {
		return Decoded{}, err
	}

	plaintext, err := aead.Open(nil, h.IV, h.Ciphertext, nil)
	if err != nil {
		return Decoded{}, ErrAuthentication
	}
	if plaintext == nil {
		plaintext = []byte{}
	}

	return Decoded{Plaintext: plaintext, Metadata: h.Metadata}, nil
}

func newAEAD(key keyderive.HexKey) (cipher.AEAD, error) {
	raw, err := key.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("container: init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Metadata describes the original file. It is stored in clear text inside the
// container.
type Metadata struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"lastModified"`
}

func (m Metadata) marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("container: encode metadata: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// wireMetadata detects missing members; every member is required.
type wireMetadata struct {
	Name         *string `json:"name"`
	Type         *string `json:"type"`
	Size         *int64  `json:"size"`
	LastModified *int64  `json:"lastModified"`
}

func parseMetadata(raw []byte) (Metadata, error) {
	var w wireMetadata
	if err := json.Unmarshal(raw, &w); err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata is not valid JSON: %v", ErrFormat, err)
	}

	switch {
	case w.Name == nil:
		return Metadata{}, fmt.Errorf("%w: metadata missing name", ErrFormat)
	case w.Type == nil:
		return Metadata{}, fmt.Errorf("%w: metadata missing type", ErrFormat)
	case w.Size == nil:
		return Metadata{}, fmt.Errorf("%w: metadata missing size", ErrFormat)
	case w.LastModified == nil:
		return Metadata{}, fmt.Errorf("%w: metadata missing lastModified", ErrFormat)
	case *w.Size < 0:
		return Metadata{}, fmt.Errorf("%w: negative size", ErrFormat)
	}

	return Metadata{
		Name:         *w.Name,
		Type:         *w.Type,
		Size:         *w.Size,
		LastModified: *w.LastModified,
	}, nil
}
