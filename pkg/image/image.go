// Package image bundles compiled chunks into a single file.
//
// An image is a CBOR document (canonical encoding, so equal images encode
// to equal bytes) holding one entry per chunk. Each entry carries the
// chunk's serialized bytecode and the SHA-256 of those bytes, which is
// checked when the image is read back.
package image

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/typelox/pkg/bytecode"
)

// Version is the image format version written by this package.
const Version = 1

// Extension is the conventional file extension for images.
const Extension = ".tlimg"

var (
	ErrHashMismatch       = errors.New("image: entry hash does not match its bytecode")
	ErrUnsupportedVersion = errors.New("image: unsupported version")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Entry is one compiled chunk.
type Entry struct {
	Name     string   `cbor:"1,keyasint"`
	Location string   `cbor:"2,keyasint,omitempty"` // where the source came from
	Hash     [32]byte `cbor:"3,keyasint"`           // SHA-256 of Bytecode
	Bytecode []byte   `cbor:"4,keyasint"`           // bytecode.Chunk.Serialize form
}

// Chunk verifies the entry's hash and decodes its bytecode.
func (e *Entry) Chunk() (*bytecode.Chunk, error) {
	if sha256.Sum256(e.Bytecode) != e.Hash {
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, e.Name)
	}
	c, err := bytecode.Deserialize(e.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("image: entry %s: %w", e.Name, err)
	}
	return c, nil
}

// Image is an ordered set of named chunks.
type Image struct {
	Version byte    `cbor:"1,keyasint"`
	Entries []Entry `cbor:"2,keyasint"`
}

// New creates an empty image at the current version.
func New() *Image {
	return &Image{Version: Version}
}

// Add serializes chunk under name, replacing any entry with the same name.
func (img *Image) Add(name, location string, chunk *bytecode.Chunk) {
	data := chunk.Serialize()
	entry := Entry{
		Name:     name,
		Location: location,
		Hash:     sha256.Sum256(data),
		Bytecode: data,
	}
	for i := range img.Entries {
		if img.Entries[i].Name == name {
			img.Entries[i] = entry
			return
		}
	}
	img.Entries = append(img.Entries, entry)
}

// Lookup returns the entry called name.
func (img *Image) Lookup(name string) (*Entry, bool) {
	for i := range img.Entries {
		if img.Entries[i].Name == name {
			return &img.Entries[i], true
		}
	}
	return nil, false
}

// Marshal encodes an image to CBOR.
func Marshal(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

// Unmarshal decodes an image and verifies every entry's hash.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if img.Version == 0 || img.Version > Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, img.Version)
	}
	for i := range img.Entries {
		e := &img.Entries[i]
		if sha256.Sum256(e.Bytecode) != e.Hash {
			return nil, fmt.Errorf("%w: %s", ErrHashMismatch, e.Name)
		}
	}
	return &img, nil
}

// Write encodes img to the file at path.
func Write(path string, img *Image) error {
	data, err := Marshal(img)
	if err != nil {
		return fmt.Errorf("image: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("image: write %s: %w", path, err)
	}
	return nil
}

// Read decodes the image file at path.
func Read(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: read %s: %w", path, err)
	}
	return Unmarshal(data)
}
