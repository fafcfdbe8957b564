// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// gzip-compressed .nii.gz).
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"dcmseg/internal/models"
)

// WriteOptions controls how a volume is stored.
type WriteOptions struct {
	// Datatype forces the on-disk voxel type. Zero picks the smallest
	// integer type that holds the data exactly, or float32.
	Datatype int16

	// Description is stored in the header's descrip field.
	Description string
}

// IsCompressed reports whether path names a gzip-compressed volume.
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Stem strips the .nii / .nii.gz extension from a file name.
func Stem(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return name[:len(name)-len(".nii.gz")]
	case strings.HasSuffix(lower, ".nii"):
		return name[:len(name)-len(".nii")]
	}
	return name
}

// Write stores vol at path, gzip-compressing when path ends in .gz.
func Write(path string, vol *models.Volume, opts *WriteOptions) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	if len(vol.Shape) > 7 {
		return fmt.Errorf("NIfTI supports at most 7 dimensions, volume has %d", len(vol.Shape))
	}
	if opts == nil {
		opts = &WriteOptions{}
	}

	dt := opts.Datatype
	if dt == 0 {
		dt = pickDatatype(vol.Data)
	}
	bits, err := bitsPerVoxel(dt)
	if err != nil {
		return err
	}

	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  dt,
		Bitpix:    bits,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XyztUnits: unitsMMSec,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim[0] = int16(len(vol.Shape))
	for i := 1; i < 8; i++ {
		h.Dim[i] = 1
		h.Pixdim[i] = 1
	}
	for i, s := range vol.Shape {
		if s > math.MaxInt16 {
			return fmt.Errorf("dimension %d of size %d exceeds the NIfTI-1 limit", i, s)
		}
		h.Dim[i+1] = int16(s)
	}
	h.setAffine(vol.Affine)
	copy(h.Descrip[:], opts.Description)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if IsCompressed(path) {
		gz = gzip.NewWriter(f)
		w = gz
	}
	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("error writing NIfTI header: %w", err)
	}
	// empty extension block
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if _, err := bw.Write(encode(vol.Data, dt)); err != nil {
		return fmt.Errorf("error writing voxel data: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return f.Close()
}

// Read loads a NIfTI-1 volume. Compression is detected from the content.
// Trailing singleton axes beyond the third are dropped.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream of %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("error reading NIfTI header of %s: %w", path, err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		order = binary.BigEndian
		if int32(order.Uint32(raw)) != headerSize {
			return nil, fmt.Errorf("%s is not a NIfTI-1 file", path)
		}
	}
	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("error decoding NIfTI header: %w", err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%s is not a single-file NIfTI-1 volume (magic %q)", path, h.Magic[:3])
	}

	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("%s has invalid dimension count %d", path, ndim)
	}
	shape := make([]int, ndim)
	nvox := 1
	for i := range shape {
		shape[i] = int(h.Dim[i+1])
		if shape[i] < 1 {
			shape[i] = 1
		}
		nvox *= shape[i]
	}
	for len(shape) > 3 && shape[len(shape)-1] == 1 {
		shape = shape[:len(shape)-1]
	}

	bits, err := bitsPerVoxel(h.Datatype)
	if err != nil {
		return nil, err
	}
	if skip := int64(h.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("error skipping to voxel data: %w", err)
		}
	}
	buf := make([]byte, nvox*int(bits)/8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("error reading voxel data of %s: %w", path, err)
	}

	data := decode(buf, h.Datatype, order, nvox)
	if slope := float64(h.SclSlope); slope != 0 && !(slope == 1 && h.SclInter == 0) {
		inter := float64(h.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &models.Volume{Shape: shape, Data: data, Affine: h.affine()}, nil
}

func pickDatatype(data []float64) int16 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return DTFloat32
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	switch {
	case len(data) == 0, lo >= 0 && hi <= math.MaxUint8:
		return DTUint8
	case lo >= math.MinInt16 && hi <= math.MaxInt16:
		return DTInt16
	case lo >= math.MinInt32 && hi <= math.MaxInt32:
		return DTInt32
	}
	return DTFloat32
}

func encode(data []float64, dt int16) []byte {
	le := binary.LittleEndian
	bits, _ := bitsPerVoxel(dt)
	size := int(bits) / 8
	out := make([]byte, len(data)*size)
	for i, v := range data {
		b := out[i*size:]
		switch dt {
		case DTUint8:
			b[0] = uint8(math.Round(v))
		case DTInt8:
			b[0] = uint8(int8(math.Round(v)))
		case DTInt16:
			le.PutUint16(b, uint16(int16(math.Round(v))))
		case DTUint16:
			le.PutUint16(b, uint16(math.Round(v)))
		case DTInt32:
			le.PutUint32(b, uint32(int32(math.Round(v))))
		case DTUint32:
			le.PutUint32(b, uint32(math.Round(v)))
		case DTFloat32:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case DTFloat64:
			le.PutUint64(b, math.Float64bits(v))
		}
	}
	return out
}

func decode(buf []byte, dt int16, order binary.ByteOrder, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		switch dt {
		case DTUint8:
			out[i] = float64(buf[i])
		case DTInt8:
			out[i] = float64(int8(buf[i]))
		case DTInt16:
			out[i] = float64(int16(order.Uint16(buf[2*i:])))
		case DTUint16:
			out[i] = float64(order.Uint16(buf[2*i:]))
		case DTInt32:
			out[i] = float64(int32(order.Uint32(buf[4*i:])))
		case DTUint32:
			out[i] = float64(order.Uint32(buf[4*i:]))
		case DTFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		case DTFloat64:
			out[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	}
	return out
}
