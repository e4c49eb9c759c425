// Package container serializes compressed volumes to a single artifact
// file and reads them back. The format is little-endian throughout:
//
//	offset  size  field
//	0       4     magic "CTPK"
//	4       1     format version
//	5       1     payload codec (0 none, 1 zstd, 2 lz4)
//	6       1     flags (bit 0: payload checksum present)
//	7       1     reserved
//	8       8     xxhash64 of the stored payload (0 when absent)
//	16      8     payload length (as stored, after compression)
//	24      8     body length (before compression)
//	32      4     metadata length M
//	36      M     metadata JSON
//	..      52    crop info
//	..      8     clip range (min, max int32)
//	..      P     payload
//
// The payload decompresses to the body:
//
//	refLen u32 | reference PNG | deltaSliceCount u32 |
//	per slice: valueWidth u8 (2 or 4) | n u32 | indices u32*n | values
//
// Everything before the payload stays uncompressed so a summary can be
// produced without touching the bulk data.
package container

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"

	"ctpack/internal/models"
)

// FormatVersion is the current container version. Readers refuse
// anything else outright; there is no best-effort path for unknown
// layouts.
const FormatVersion = 1

const (
	headerSize   = 32
	cropInfoSize = 52
	clipSize     = 8

	flagChecksum = 0x01

	// maxMetaLen bounds the metadata blob; anything larger is corruption
	maxMetaLen = 64 << 20

	// maxBodyLen bounds the decompressed body allocation
	maxBodyLen = 8 << 30
)

var magic = [4]byte{'C', 'T', 'P', 'K'}

var (
	// ErrBadMagic is returned when the file does not start with "CTPK"
	ErrBadMagic = errors.New("container: bad magic, not a ctpack artifact")

	// ErrUnsupportedVersion is returned for any version this reader does
	// not implement
	ErrUnsupportedVersion = errors.New("container: unsupported format version")

	// ErrChecksumMismatch is returned when the payload hash does not match
	ErrChecksumMismatch = errors.New("container: payload checksum mismatch")

	// ErrTruncated is returned when the file ends before a field does
	ErrTruncated = errors.New("container: truncated artifact")

	// ErrCorrupt is returned for structurally invalid contents
	ErrCorrupt = errors.New("container: corrupt artifact")

	// ErrUnknownCodec is returned for an unrecognized payload codec
	ErrUnknownCodec = errors.New("container: unknown payload codec")
)

// Info summarizes an artifact without decoding its payload
type Info struct {
	Version      uint8
	Codec        Codec
	HasChecksum  bool
	PayloadBytes uint64
	BodyBytes    uint64
	Metadata     map[string]string
	Crop         models.CropInfo
	ClipMin      int32
	ClipMax      int32
}

// Write serializes an artifact with the requested payload codec. When
// the codec gains nothing for this payload the artifact is written
// uncompressed instead.
func Write(w io.Writer, a *models.Artifact, codec Codec) error {
	body, err := buildBody(a)
	if err != nil {
		return err
	}

	payload, effCodec, err := compressPayload(codec, body)
	if err != nil {
		return err
	}

	header := make([]byte, headerSize)
	copy(header[0:4], magic[:])
	header[4] = FormatVersion
	header[5] = uint8(effCodec)
	header[6] = flagChecksum
	binary.LittleEndian.PutUint64(header[8:16], xxhash.Sum64(payload))
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(payload)))
	binary.LittleEndian.PutUint64(header[24:32], uint64(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("container: writing header: %v", err)
	}

	if err := writeMetadata(w, a.Metadata); err != nil {
		return err
	}
	if err := writeCropInfo(w, a.Crop); err != nil {
		return err
	}

	clip := make([]byte, clipSize)
	binary.LittleEndian.PutUint32(clip[0:4], uint32(a.ClipMin))
	binary.LittleEndian.PutUint32(clip[4:8], uint32(a.ClipMax))
	if _, err := w.Write(clip); err != nil {
		return fmt.Errorf("container: writing clip range: %v", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("container: writing payload: %v", err)
	}
	return nil
}

// WriteFile serializes an artifact to a file
func WriteFile(path string, a *models.Artifact, codec Codec) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("container: creating %s: %v", path, err)
	}
	defer f.Close()

	if err := Write(f, a, codec); err != nil {
		return err
	}
	return f.Close()
}

// Read parses a complete artifact, verifying the checksum before
// decompressing the payload
func Read(r io.Reader) (*models.Artifact, error) {
	info, err := readPreamble(r)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, info.PayloadBytes)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
	}

	if info.HasChecksum && info.payloadHash != xxhash.Sum64(payload) {
		return nil, ErrChecksumMismatch
	}

	body, err := decompressPayload(info.Codec, payload, info.BodyBytes)
	if err != nil {
		return nil, err
	}

	a := &models.Artifact{
		Version:  info.Version,
		Metadata: info.Metadata,
		Crop:     info.Crop,
		ClipMin:  info.ClipMin,
		ClipMax:  info.ClipMax,
	}
	if err := parseBody(body, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ReadFile parses an artifact from a file
func ReadFile(path string) (*models.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: opening %s: %v", path, err)
	}
	defer f.Close()
	return Read(f)
}

// ReadInfo parses everything before the payload
func ReadInfo(r io.Reader) (*Info, error) {
	info, err := readPreamble(r)
	if err != nil {
		return nil, err
	}
	return &info.Info, nil
}

// ReadInfoFile reads an artifact summary from a file
func ReadInfoFile(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: opening %s: %v", path, err)
	}
	defer f.Close()
	return ReadInfo(f)
}

type preamble struct {
	Info
	payloadHash uint64
}

func readPreamble(r io.Reader) (*preamble, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}
	if !bytes.Equal(header[0:4], magic[:]) {
		return nil, ErrBadMagic
	}

	p := &preamble{}
	p.Version = header[4]
	if p.Version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, this reader handles %d",
			ErrUnsupportedVersion, p.Version, FormatVersion)
	}

	p.Codec = Codec(header[5])
	if p.Codec > CodecLZ4 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, header[5])
	}
	p.HasChecksum = header[6]&flagChecksum != 0
	p.payloadHash = binary.LittleEndian.Uint64(header[8:16])
	p.PayloadBytes = binary.LittleEndian.Uint64(header[16:24])
	p.BodyBytes = binary.LittleEndian.Uint64(header[24:32])
	if p.BodyBytes > maxBodyLen {
		return nil, fmt.Errorf("%w: body length %d exceeds limit", ErrCorrupt, p.BodyBytes)
	}

	var metaLen [4]byte
	if _, err := io.ReadFull(r, metaLen[:]); err != nil {
		return nil, fmt.Errorf("%w: metadata length: %v", ErrTruncated, err)
	}
	n := binary.LittleEndian.Uint32(metaLen[:])
	if n > maxMetaLen {
		return nil, fmt.Errorf("%w: metadata length %d exceeds limit", ErrCorrupt, n)
	}
	if n > 0 {
		metaJSON := make([]byte, n)
		if _, err := io.ReadFull(r, metaJSON); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrTruncated, err)
		}
		if err := json.Unmarshal(metaJSON, &p.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata JSON: %v", ErrCorrupt, err)
		}
	}

	crop := make([]byte, cropInfoSize)
	if _, err := io.ReadFull(r, crop); err != nil {
		return nil, fmt.Errorf("%w: crop info: %v", ErrTruncated, err)
	}
	p.Crop = parseCropInfo(crop)

	clip := make([]byte, clipSize)
	if _, err := io.ReadFull(r, clip); err != nil {
		return nil, fmt.Errorf("%w: clip range: %v", ErrTruncated, err)
	}
	p.ClipMin = int32(binary.LittleEndian.Uint32(clip[0:4]))
	p.ClipMax = int32(binary.LittleEndian.Uint32(clip[4:8]))

	return p, nil
}

func writeMetadata(w io.Writer, meta map[string]string) error {
	if len(meta) == 0 {
		return binary.Write(w, binary.LittleEndian, uint32(0))
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("container: marshaling metadata: %v", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(metaJSON))); err != nil {
		return fmt.Errorf("container: writing metadata length: %v", err)
	}
	if _, err := w.Write(metaJSON); err != nil {
		return fmt.Errorf("container: writing metadata: %v", err)
	}
	return nil
}

func writeCropInfo(w io.Writer, c models.CropInfo) error {
	buf := make([]byte, cropInfoSize)
	fields := []int{
		c.OriginalWidth, c.OriginalHeight, c.OriginalDepth,
		c.X0, c.Y0, c.Z0,
		c.X1, c.Y1, c.Z1,
		c.Width, c.Height, c.Depth,
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	binary.LittleEndian.PutUint16(buf[48:], uint16(c.BackgroundValue))
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("container: writing crop info: %v", err)
	}
	return nil
}

func parseCropInfo(buf []byte) models.CropInfo {
	var c models.CropInfo
	fields := []*int{
		&c.OriginalWidth, &c.OriginalHeight, &c.OriginalDepth,
		&c.X0, &c.Y0, &c.Z0,
		&c.X1, &c.Y1, &c.Z1,
		&c.Width, &c.Height, &c.Depth,
	}
	for i, f := range fields {
		*f = int(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	c.BackgroundValue = int16(binary.LittleEndian.Uint16(buf[48:]))
	return c
}

// buildBody serializes the reference bytes and delta slices. Delta
// values are stored as int16 whenever every value of a slice fits,
// otherwise the whole slice is widened to int32.
func buildBody(a *models.Artifact) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(a.Reference))); err != nil {
		return nil, fmt.Errorf("container: writing reference length: %v", err)
	}
	buf.Write(a.Reference)

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(a.Deltas))); err != nil {
		return nil, fmt.Errorf("container: writing delta count: %v", err)
	}

	for k, d := range a.Deltas {
		if len(d.Indices) != len(d.Values) {
			return nil, fmt.Errorf("%w: delta slice %d has %d indices but %d values",
				ErrCorrupt, k, len(d.Indices), len(d.Values))
		}

		width := uint8(2)
		for _, v := range d.Values {
			if v > math.MaxInt16 || v < math.MinInt16 {
				width = 4
				break
			}
		}

		buf.WriteByte(width)
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(d.Indices))); err != nil {
			return nil, fmt.Errorf("container: writing delta length: %v", err)
		}
		for _, idx := range d.Indices {
			if err := binary.Write(&buf, binary.LittleEndian, idx); err != nil {
				return nil, fmt.Errorf("container: writing delta indices: %v", err)
			}
		}
		if width == 2 {
			for _, v := range d.Values {
				if err := binary.Write(&buf, binary.LittleEndian, int16(v)); err != nil {
					return nil, fmt.Errorf("container: writing delta values: %v", err)
				}
			}
		} else {
			for _, v := range d.Values {
				if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
					return nil, fmt.Errorf("container: writing delta values: %v", err)
				}
			}
		}
	}

	return buf.Bytes(), nil
}

// parseBody fills the artifact's reference and deltas from body bytes
func parseBody(body []byte, a *models.Artifact) error {
	cur := bodyCursor{data: body}

	refLen, err := cur.u32("reference length")
	if err != nil {
		return err
	}
	a.Reference, err = cur.bytes(int(refLen), "reference")
	if err != nil {
		return err
	}

	deltaCount, err := cur.u32("delta count")
	if err != nil {
		return err
	}
	// The smallest possible delta slice record is 5 bytes
	if uint64(deltaCount)*5 > uint64(cur.remaining()) {
		return fmt.Errorf("%w: delta count %d exceeds body size", ErrCorrupt, deltaCount)
	}

	a.Deltas = make([]models.DeltaSlice, deltaCount)
	for k := range a.Deltas {
		width, err := cur.u8("delta width")
		if err != nil {
			return err
		}
		if width != 2 && width != 4 {
			return fmt.Errorf("%w: delta slice %d has value width %d", ErrCorrupt, k, width)
		}

		n, err := cur.u32("delta length")
		if err != nil {
			return err
		}
		need := uint64(n) * uint64(4+width)
		if need > uint64(cur.remaining()) {
			return fmt.Errorf("%w: delta slice %d needs %d bytes, %d remain",
				ErrTruncated, k, need, cur.remaining())
		}

		if n == 0 {
			continue
		}
		d := models.DeltaSlice{
			Indices: make([]uint32, n),
			Values:  make([]int32, n),
		}
		for i := range d.Indices {
			v, _ := cur.u32("delta index")
			d.Indices[i] = v
		}
		if width == 2 {
			for i := range d.Values {
				v, _ := cur.u16("delta value")
				d.Values[i] = int32(int16(v))
			}
		} else {
			for i := range d.Values {
				v, _ := cur.u32("delta value")
				d.Values[i] = int32(v)
			}
		}
		a.Deltas[k] = d
	}

	if cur.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes after delta slices", ErrCorrupt, cur.remaining())
	}
	return nil
}

// bodyCursor walks the decompressed body with bounds checking
type bodyCursor struct {
	data []byte
	off  int
}

func (c *bodyCursor) remaining() int {
	return len(c.data) - c.off
}

func (c *bodyCursor) bytes(n int, field string) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d remain", ErrTruncated, field, n, c.remaining())
	}
	out := c.data[c.off : c.off+n]
	c.off += n
	return out, nil
}

func (c *bodyCursor) u8(field string) (uint8, error) {
	b, err := c.bytes(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *bodyCursor) u16(field string) (uint16, error) {
	b, err := c.bytes(2, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *bodyCursor) u32(field string) (uint32, error) {
	b, err := c.bytes(4, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}
