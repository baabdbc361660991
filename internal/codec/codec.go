// Package codec converts geometry data blocks to and from the binary blob
// stored in a geometry record's payload column.
//
// Blob layout (little-endian):
//
//	[geometry type:u32][data type:u32][element count:u32][compression:u8][payload]
//
// The payload is either the raw typed array or a compressed stream whose
// decompressed length must equal count * element size.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/kilupskalvis/stepstore/internal/models"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrRecordCorrupt is returned when a blob fails validation
var ErrRecordCorrupt = errors.New("corrupt geometry record")

// HeaderSize is the fixed size of the blob header
const HeaderSize = 13

// DefaultMinCompressSize is the payload size below which data stays raw
const DefaultMinCompressSize = 256

// minWindowLimit is the largest zstd window accepted for payloads smaller
// than it; larger payloads may use a window up to their own size
const minWindowLimit = 8 << 20

// Compression identifies the payload encoding
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZlib Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression resolves a configured compression name
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "zstd":
		return CompressionZstd, nil
	case "zlib":
		return CompressionZlib, nil
	case "none", "raw":
		return CompressionNone, nil
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

// Header is the decoded blob header
type Header struct {
	Geometry    models.GeometryType
	Data        models.DataType
	Count       int
	Compression Compression
}

// Compressed reports whether the payload must be decompressed
func (h Header) Compressed() bool { return h.Compression != CompressionNone }

// PayloadSize returns the expected raw payload size in bytes
func (h Header) PayloadSize() int { return h.Count * h.Data.ElementSize() }

// Codec encodes and decodes geometry blobs. A Codec is safe for concurrent use.
type Codec struct {
	compression Compression
	level       string
	minSize     int
	enc         *zstd.Encoder

	decMu sync.Mutex // guards dec, which streams one payload at a time
	dec   *zstd.Decoder
}

// Option configures a Codec
type Option func(*Codec)

// WithCompression selects the algorithm used when compression is requested
func WithCompression(c Compression) Option {
	return func(cd *Codec) { cd.compression = c }
}

// WithLevel selects the compression level: fastest, default, better or best
func WithLevel(level string) Option {
	return func(cd *Codec) { cd.level = level }
}

// WithMinCompressSize keeps payloads smaller than n bytes uncompressed
func WithMinCompressSize(n int) Option {
	return func(cd *Codec) { cd.minSize = n }
}

// New creates a codec
func New(opts ...Option) (*Codec, error) {
	c := &Codec{compression: CompressionZstd, level: "default", minSize: DefaultMinCompressSize}
	for _, opt := range opts {
		opt(c)
	}

	level := zstd.SpeedDefault
	if c.level != "" {
		ok, l := zstd.EncoderLevelFromString(c.level)
		if !ok {
			return nil, fmt.Errorf("unknown compression level %q", c.level)
		}
		level = l
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

// Close releases encoder and decoder resources
func (c *Codec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}

// Compression returns the configured compression algorithm
func (c *Codec) Compression() Compression { return c.compression }

// Encode serializes a block for the given geometry type. When compress is set
// and the payload is large enough, it is compressed with the configured
// algorithm; a compressed payload that is not smaller than the raw one is
// stored raw.
func (c *Codec) Encode(gt models.GeometryType, b *models.DataBlock, compress bool) ([]byte, error) {
	if !gt.Valid() {
		return nil, fmt.Errorf("encode: unknown geometry type %d", gt)
	}
	if b == nil || !b.Type.Valid() {
		return nil, fmt.Errorf("encode: invalid data block")
	}

	raw := blockBytes(b)
	h := Header{Geometry: gt, Data: b.Type, Count: b.Count(), Compression: CompressionNone}
	payload := raw

	if compress && c.compression != CompressionNone && len(raw) >= c.minSize {
		packed, err := c.compress(raw)
		if err != nil {
			return nil, err
		}
		if len(packed) < len(raw) {
			payload = packed
			h.Compression = c.compression
		}
	}

	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	putHeader(out, h)
	return append(out, payload...), nil
}

// Decode parses a blob into its header and data block
func (c *Codec) Decode(blob []byte) (Header, *models.DataBlock, error) {
	h, err := ReadHeader(blob)
	if err != nil {
		return h, nil, err
	}

	payload := blob[HeaderSize:]
	expected := h.PayloadSize()
	if h.Compressed() {
		payload, err = c.decompress(h.Compression, payload, expected)
		if err != nil {
			return h, nil, err
		}
	}
	if len(payload) != expected {
		return h, nil, fmt.Errorf("%w: %s payload is %d bytes, expected %d for %d elements",
			ErrRecordCorrupt, h.Data, len(payload), expected, h.Count)
	}

	return h, bytesToBlock(h.Data, payload, h.Count), nil
}

// ReadHeader parses and validates the blob header without touching the payload
func ReadHeader(blob []byte) (Header, error) {
	if len(blob) < HeaderSize {
		return Header{}, fmt.Errorf("%w: blob is %d bytes, shorter than header", ErrRecordCorrupt, len(blob))
	}
	gt := binary.LittleEndian.Uint32(blob[0:])
	dt := binary.LittleEndian.Uint32(blob[4:])
	h := Header{
		Geometry:    models.GeometryType(gt),
		Data:        models.DataType(dt),
		Count:       int(binary.LittleEndian.Uint32(blob[8:])),
		Compression: Compression(blob[12]),
	}
	if gt > math.MaxUint8 || !h.Geometry.Valid() {
		return h, fmt.Errorf("%w: unsupported geometry type tag %d", ErrRecordCorrupt, gt)
	}
	if dt > math.MaxUint8 || !h.Data.Valid() {
		return h, fmt.Errorf("%w: unsupported data type tag %d", ErrRecordCorrupt, dt)
	}
	if h.Compression > CompressionZstd {
		return h, fmt.Errorf("%w: unsupported compression %d", ErrRecordCorrupt, blob[12])
	}
	return h, nil
}

func putHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(h.Geometry))
	binary.LittleEndian.PutUint32(dst[4:], uint32(h.Data))
	binary.LittleEndian.PutUint32(dst[8:], uint32(h.Count))
	dst[12] = byte(h.Compression)
}

func (c *Codec) compress(raw []byte) ([]byte, error) {
	switch c.compression {
	case CompressionZstd:
		return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	case CompressionZlib:
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, zlibLevel(c.level))
		if err != nil {
			return nil, fmt.Errorf("create zlib writer: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		return buf.Bytes(), nil
	}
	return raw, nil
}

// decompress inflates a payload, reading at most one byte past the expected
// size. Output buffers grow with the data actually produced, so a forged
// element count costs nothing until the stream delivers that many bytes.
func (c *Codec) decompress(alg Compression, payload []byte, expected int) ([]byte, error) {
	switch alg {
	case CompressionZstd:
		if err := checkZstdFrame(payload, expected); err != nil {
			return nil, err
		}
		c.decMu.Lock()
		defer c.decMu.Unlock()
		if err := c.dec.Reset(bytes.NewReader(payload)); err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrRecordCorrupt, err)
		}
		out, err := io.ReadAll(io.LimitReader(c.dec, int64(expected)+1))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrRecordCorrupt, err)
		}
		return out, nil
	case CompressionZlib:
		r, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrRecordCorrupt, err)
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, int64(expected)+1))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrRecordCorrupt, err)
		}
		return out, nil
	}
	return payload, nil
}

// checkZstdFrame rejects a frame whose declared content size differs from
// the expected payload size, or whose window is larger than the payload
// could need, before any decoder memory is committed.
func checkZstdFrame(payload []byte, expected int) error {
	var fh zstd.Header
	if err := fh.Decode(payload); err != nil {
		return fmt.Errorf("%w: zstd frame header: %v", ErrRecordCorrupt, err)
	}
	if fh.Skippable {
		return fmt.Errorf("%w: zstd payload starts with a skippable frame", ErrRecordCorrupt)
	}
	if fh.HasFCS && fh.FrameContentSize != uint64(expected) {
		return fmt.Errorf("%w: zstd frame holds %d bytes, expected %d",
			ErrRecordCorrupt, fh.FrameContentSize, expected)
	}
	if fh.WindowSize > uint64(max(expected, minWindowLimit)) {
		return fmt.Errorf("%w: zstd window %d exceeds payload size %d",
			ErrRecordCorrupt, fh.WindowSize, expected)
	}
	return nil
}

func zlibLevel(level string) int {
	switch level {
	case "fastest":
		return zlib.BestSpeed
	case "better":
		return 7
	case "best":
		return zlib.BestCompression
	}
	return zlib.DefaultCompression
}

// blockBytes converts a block to its raw little-endian payload
func blockBytes(b *models.DataBlock) []byte {
	switch b.Type.Kind() {
	case models.KindUint8:
		return append([]byte(nil), b.Bytes...)
	case models.KindUint32:
		buf := make([]byte, len(b.Uints)*4)
		for i, v := range b.Uints {
			binary.LittleEndian.PutUint32(buf[i*4:], v)
		}
		return buf
	default:
		buf := make([]byte, len(b.Floats)*4)
		for i, f := range b.Floats {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
		}
		return buf
	}
}

// bytesToBlock converts a validated payload back to a typed block
func bytesToBlock(dt models.DataType, data []byte, count int) *models.DataBlock {
	b := &models.DataBlock{Type: dt}
	switch dt.Kind() {
	case models.KindUint8:
		b.Bytes = append(make([]byte, 0, count), data...)
	case models.KindUint32:
		b.Uints = make([]uint32, count)
		for i := range b.Uints {
			b.Uints[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
	default:
		b.Floats = make([]float32, count)
		for i := range b.Floats {
			b.Floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	}
	return b
}
