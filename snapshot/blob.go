// Package snapshot implements the serialized startup image an isolate may be
// restored from: the scripts that initialized it, the global state they left
// behind, and an optional main script.
//
// Blobs are framed by a small header (magic, format version, checksum)
// followed by a protobuf-encoded [structpb.Struct] payload.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"maps"
	"os"
	"strconv"

	maininstance "github.com/joeycumines/goja-maininstance"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// FormatVersion is the version of the wire format written by [Blob.Encode].
const FormatVersion uint32 = 1

const headerSize = 12

var magic = [4]byte{'G', 'J', 'S', 'N'}

var (
	// ErrInvalidBlob is returned when decoding malformed data.
	ErrInvalidBlob = errors.New("snapshot: invalid blob")

	// ErrIncompatible is returned by [Blob.Check] if the blob was built by a
	// different engine, or engine version.
	ErrIncompatible = errors.New("snapshot: incompatible blob")
)

type (
	// Blob is a decoded snapshot. It implements the maininstance Snapshot
	// and EmbedderWrapper interfaces.
	Blob struct {
		Build BuildInfo
		// Scripts are replayed, in order, to rebuild the isolate's state.
		Scripts []Script
		// Globals are the JSON-like global values captured after Scripts ran.
		Globals map[string]any
		// Main is the optional entry point, run in place of the main module.
		Main *Script
	}

	// BuildInfo identifies what built a snapshot.
	BuildInfo struct {
		Engine  string
		Version string
		// Extra is arbitrary embedder-defined metadata.
		Extra map[string]string
	}

	// Script is a named script source.
	Script struct {
		Name   string
		Source string
	}
)

var (
	_ maininstance.Snapshot        = (*Blob)(nil)
	_ maininstance.EmbedderWrapper = (*Blob)(nil)
)

// EmbedderWrapper returns the blob itself.
func (x *Blob) EmbedderWrapper() maininstance.EmbedderWrapper { return x }

// Metadata returns a flattened copy of the build info, with the engine,
// version and encoding format version under the "engine", "version" and
// "format_version" keys.
func (x *Blob) Metadata() map[string]string {
	m := maps.Clone(x.Build.Extra)
	if m == nil {
		m = make(map[string]string, 3)
	}
	m[`engine`] = x.Build.Engine
	m[`version`] = x.Build.Version
	m[`format_version`] = strconv.FormatUint(uint64(FormatVersion), 10)
	return m
}

// Check returns an error wrapping [ErrIncompatible] unless the blob was built
// by the given engine and version.
func (x *Blob) Check(engine, version string) error {
	if x.Build.Engine != engine || x.Build.Version != version {
		return fmt.Errorf("%w: built by %s %s, want %s %s", ErrIncompatible,
			strconv.Quote(x.Build.Engine), strconv.Quote(x.Build.Version),
			strconv.Quote(engine), strconv.Quote(version))
	}
	return nil
}

// Encode serializes the blob.
func (x *Blob) Encode() ([]byte, error) {
	payload, err := x.toStruct()
	if err != nil {
		return nil, err
	}

	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal payload: %w", err)
	}

	out := make([]byte, headerSize, headerSize+len(b))
	copy(out, magic[:])
	binary.BigEndian.PutUint32(out[4:], FormatVersion)
	binary.BigEndian.PutUint32(out[8:], crc32.ChecksumIEEE(b))
	return append(out, b...), nil
}

// Decode parses data produced by [Blob.Encode]. Any malformed input results
// in an error wrapping [ErrInvalidBlob].
func Decode(data []byte) (*Blob, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: truncated header", ErrInvalidBlob)
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidBlob)
	}
	if v := binary.BigEndian.Uint32(data[4:]); v != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrInvalidBlob, v)
	}
	payload := data[headerSize:]
	if sum := binary.BigEndian.Uint32(data[8:]); sum != crc32.ChecksumIEEE(payload) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidBlob)
	}

	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBlob, err)
	}

	x, err := fromStruct(&s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBlob, err)
	}
	return x, nil
}

// ReadFile reads and decodes the blob at path.
func ReadFile(path string) (*Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read blob: %w", err)
	}
	x, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %s: %w", path, err)
	}
	return x, nil
}

// WriteFile encodes the blob and writes it to path.
func (x *Blob) WriteFile(path string) error {
	data, err := x.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write blob: %w", err)
	}
	return nil
}

// Describe renders the blob as indented JSON, for inspection.
func (x *Blob) Describe() (string, error) {
	payload, err := x.toStruct()
	if err != nil {
		return "", err
	}
	b, err := protojson.MarshalOptions{Multiline: true, Indent: `  `}.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("snapshot: describe: %w", err)
	}
	return string(b), nil
}

func (x *Blob) toStruct() (*structpb.Struct, error) {
	extra := make(map[string]any, len(x.Build.Extra))
	for k, v := range x.Build.Extra {
		extra[k] = v
	}

	scripts := make([]any, len(x.Scripts))
	for i, s := range x.Scripts {
		scripts[i] = s.toMap()
	}

	globals := x.Globals
	if globals == nil {
		globals = map[string]any{}
	}

	m := map[string]any{
		`metadata`: map[string]any{
			`engine`:  x.Build.Engine,
			`version`: x.Build.Version,
			`extra`:   extra,
		},
		`scripts`: scripts,
		`globals`: globals,
	}
	if x.Main != nil {
		m[`main`] = x.Main.toMap()
	}

	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("snapshot: unsupported value: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct) (*Blob, error) {
	fields := s.GetFields()
	x := &Blob{Globals: map[string]any{}}

	meta := fields[`metadata`].GetStructValue()
	if meta == nil {
		return nil, errors.New("missing metadata")
	}
	x.Build.Engine = meta.GetFields()[`engine`].GetStringValue()
	x.Build.Version = meta.GetFields()[`version`].GetStringValue()
	if extra := meta.GetFields()[`extra`].GetStructValue().GetFields(); len(extra) != 0 {
		x.Build.Extra = make(map[string]string, len(extra))
		for k, v := range extra {
			x.Build.Extra[k] = v.GetStringValue()
		}
	}

	for i, v := range fields[`scripts`].GetListValue().GetValues() {
		script, err := scriptFromValue(v)
		if err != nil {
			return nil, fmt.Errorf("script %d: %w", i, err)
		}
		x.Scripts = append(x.Scripts, script)
	}

	if globals := fields[`globals`].GetStructValue(); globals != nil {
		x.Globals = globals.AsMap()
	}

	if v, ok := fields[`main`]; ok {
		script, err := scriptFromValue(v)
		if err != nil {
			return nil, fmt.Errorf("main: %w", err)
		}
		x.Main = &script
	}

	return x, nil
}

func (x Script) toMap() map[string]any {
	return map[string]any{`name`: x.Name, `source`: x.Source}
}

func scriptFromValue(v *structpb.Value) (Script, error) {
	s := v.GetStructValue()
	if s == nil {
		return Script{}, errors.New("not an object")
	}
	return Script{
		Name:   s.GetFields()[`name`].GetStringValue(),
		Source: s.GetFields()[`source`].GetStringValue(),
	}, nil
}
