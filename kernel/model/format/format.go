// Package format implements the TMAI model-file codec (256-byte header plus
// a layer-descriptor table and concatenated layer payloads) and the
// alternative TINYAIWT weights-export format, both little-endian on disk.
//
// Binary layout handling follows the teacher's EnhancedModuleEntry decoding
// in kernel/threads/registry/loader.go: encoding/binary.LittleEndian over
// fixed-size records. A hash/crc32 checksum over the descriptor table is
// available through DescriptorTableChecksum; the codec does not verify it.
package format

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/tinymem/tinymem/kernel/memory/errs"
)

const (
	// Magic is the four-byte TMAI file signature: "TMAI" read little-endian
	// as a u32, i.e. bytes 'T','M','A','I'.
	Magic uint32 = 0x49414D54

	// CurrentVersion is the only version this codec understands.
	CurrentVersion uint32 = 1

	HeaderSize     = 256
	DescriptorSize = 32
)

// Precision enumerates the supported weight bit-widths.
type Precision uint32

const (
	Precision2Bit  Precision = 2
	Precision4Bit  Precision = 4
	Precision8Bit  Precision = 8
	Precision16Bit Precision = 16
	Precision32Bit Precision = 32
)

// Header is the 256-byte TMAI file header.
type Header struct {
	Magic      uint32
	Version    uint32
	LayerCount uint32
	Name       string // up to 32 bytes, NUL-padded on disk
}

// Descriptor is one 32-byte layer-descriptor-table entry.
type Descriptor struct {
	Offset    uint32
	Size      uint32
	Precision Precision
}

// EncodeHeader writes a 256-byte header in the on-disk little-endian
// layout described in the file-format contract.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.LayerCount)
	name := []byte(h.Name)
	if len(name) > 32 {
		name = name[:32]
	}
	copy(buf[16:16+len(name)], name)
	return buf
}

// DecodeHeader parses a 256-byte header and validates magic/version.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errs.New(errs.InvalidFile, "header too short: %d bytes", len(buf))
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Header{}, errs.New(errs.InvalidFile, "bad magic 0x%08x", magic)
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != CurrentVersion {
		return Header{}, errs.New(errs.InvalidFile, "unsupported version %d", version)
	}
	layerCount := binary.LittleEndian.Uint32(buf[8:12])
	name := string(bytes.TrimRight(buf[16:48], "\x00"))
	return Header{Magic: magic, Version: version, LayerCount: layerCount, Name: name}, nil
}

// EncodeDescriptor writes one 32-byte layer-descriptor-table entry.
func EncodeDescriptor(d Descriptor) []byte {
	buf := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.Offset)
	binary.LittleEndian.PutUint32(buf[4:8], d.Size)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(d.Precision))
	return buf
}

// DecodeDescriptor parses one 32-byte layer-descriptor-table entry.
func DecodeDescriptor(buf []byte) (Descriptor, error) {
	if len(buf) < DescriptorSize {
		return Descriptor{}, errs.New(errs.InvalidFile, "descriptor too short: %d bytes", len(buf))
	}
	return Descriptor{
		Offset:    binary.LittleEndian.Uint32(buf[0:4]),
		Size:      binary.LittleEndian.Uint32(buf[4:8]),
		Precision: Precision(binary.LittleEndian.Uint32(buf[8:12])),
	}, nil
}

// DescriptorTableChecksum computes a CRC32 (IEEE) over the raw
// layerCount*32 byte descriptor table. Nothing in this codec stores it:
// EncodeHeader leaves the reserved header bytes zeroed, and neither
// DecodeHeader nor ReadDescriptorTable checks a checksum on load.
func DescriptorTableChecksum(raw []byte) uint32 {
	return crc32.ChecksumIEEE(raw)
}

// ReadDescriptorTable reads layerCount consecutive 32-byte descriptors from r.
func ReadDescriptorTable(r io.Reader, layerCount uint32) ([]Descriptor, error) {
	raw := make([]byte, int(layerCount)*DescriptorSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errs.Wrap(errs.WeightLoad, err, "reading layer descriptor table")
	}
	out := make([]Descriptor, layerCount)
	for i := range out {
		d, err := DecodeDescriptor(raw[i*DescriptorSize : (i+1)*DescriptorSize])
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
