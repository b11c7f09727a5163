package format

import (
	"encoding/binary"
	"io"

	"github.com/tinymem/tinymem/kernel/memory/errs"
)

// TinyAIWTMagic is the eight-byte signature of the alternative weights-export
// file used by the model exporter collaborator: "TINYAIWT".
var TinyAIWTMagic = [8]byte{'T', 'I', 'N', 'Y', 'A', 'I', 'W', 'T'}

// WeightsHeader is the TINYAIWT file header.
type WeightsHeader struct {
	ModelType  uint32
	InputH     uint32
	InputW     uint32
	InputC     uint32
	LayerCount uint32
	ClassCount uint32
	Quantized  bool
}

// WeightsLayerRecord is one per-layer record in a TINYAIWT file.
type WeightsLayerRecord struct {
	InDim        uint32
	OutDim       uint32
	Kernel       uint32
	Stride       uint32
	Padding      uint32
	WeightsBytes uint32
	BiasBytes    uint32
}

const weightsHeaderSize = 8 + 4*7 // magic + seven u32 fields
const weightsLayerRecordSize = 4 * 7

// EncodeWeightsHeader writes the TINYAIWT header in little-endian form.
func EncodeWeightsHeader(h WeightsHeader) []byte {
	buf := make([]byte, weightsHeaderSize)
	copy(buf[0:8], TinyAIWTMagic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.ModelType)
	binary.LittleEndian.PutUint32(buf[12:16], h.InputH)
	binary.LittleEndian.PutUint32(buf[16:20], h.InputW)
	binary.LittleEndian.PutUint32(buf[20:24], h.InputC)
	binary.LittleEndian.PutUint32(buf[24:28], h.LayerCount)
	binary.LittleEndian.PutUint32(buf[28:32], h.ClassCount)
	quantized := uint32(0)
	if h.Quantized {
		quantized = 1
	}
	binary.LittleEndian.PutUint32(buf[32:36], quantized)
	return buf
}

// DecodeWeightsHeader parses and validates a TINYAIWT header.
func DecodeWeightsHeader(buf []byte) (WeightsHeader, error) {
	if len(buf) < weightsHeaderSize {
		return WeightsHeader{}, errs.New(errs.InvalidFile, "tinyaiwt header too short")
	}
	var magic [8]byte
	copy(magic[:], buf[0:8])
	if magic != TinyAIWTMagic {
		return WeightsHeader{}, errs.New(errs.InvalidFile, "bad tinyaiwt magic")
	}
	return WeightsHeader{
		ModelType:  binary.LittleEndian.Uint32(buf[8:12]),
		InputH:     binary.LittleEndian.Uint32(buf[12:16]),
		InputW:     binary.LittleEndian.Uint32(buf[16:20]),
		InputC:     binary.LittleEndian.Uint32(buf[20:24]),
		LayerCount: binary.LittleEndian.Uint32(buf[24:28]),
		ClassCount: binary.LittleEndian.Uint32(buf[28:32]),
		Quantized:  binary.LittleEndian.Uint32(buf[32:36]) != 0,
	}, nil
}

// EncodeWeightsLayerRecord writes one per-layer record.
func EncodeWeightsLayerRecord(r WeightsLayerRecord) []byte {
	buf := make([]byte, weightsLayerRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.InDim)
	binary.LittleEndian.PutUint32(buf[4:8], r.OutDim)
	binary.LittleEndian.PutUint32(buf[8:12], r.Kernel)
	binary.LittleEndian.PutUint32(buf[12:16], r.Stride)
	binary.LittleEndian.PutUint32(buf[16:20], r.Padding)
	binary.LittleEndian.PutUint32(buf[20:24], r.WeightsBytes)
	binary.LittleEndian.PutUint32(buf[24:28], r.BiasBytes)
	return buf
}

// DecodeWeightsLayerRecord parses one per-layer record.
func DecodeWeightsLayerRecord(buf []byte) (WeightsLayerRecord, error) {
	if len(buf) < weightsLayerRecordSize {
		return WeightsLayerRecord{}, errs.New(errs.InvalidFile, "tinyaiwt layer record too short")
	}
	return WeightsLayerRecord{
		InDim:        binary.LittleEndian.Uint32(buf[0:4]),
		OutDim:       binary.LittleEndian.Uint32(buf[4:8]),
		Kernel:       binary.LittleEndian.Uint32(buf[8:12]),
		Stride:       binary.LittleEndian.Uint32(buf[12:16]),
		Padding:      binary.LittleEndian.Uint32(buf[16:20]),
		WeightsBytes: binary.LittleEndian.Uint32(buf[20:24]),
		BiasBytes:    binary.LittleEndian.Uint32(buf[24:28]),
	}, nil
}

// ReadWeightsLayerRecords reads count consecutive per-layer records from r.
func ReadWeightsLayerRecords(r io.Reader, count uint32) ([]WeightsLayerRecord, error) {
	out := make([]WeightsLayerRecord, count)
	raw := make([]byte, weightsLayerRecordSize)
	for i := range out {
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, errs.Wrap(errs.WeightLoad, err, "reading tinyaiwt layer record %d", i)
		}
		rec, err := DecodeWeightsLayerRecord(raw)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}
