package dataset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const npyMagic = "\x93NUMPY"

// Element types understood by Array.
var itemSizes = map[string]int{
	"|u1": 1,
	"<i2": 2,
	"<i4": 4,
	"<i8": 8,
	"<f4": 4,
}

var (
	descrPattern   = regexp.MustCompile(`['"]descr['"]\s*:\s*['"]([^'"]+)['"]`)
	fortranPattern = regexp.MustCompile(`['"]fortran_order['"]\s*:\s*(True|False)`)
	shapePattern   = regexp.MustCompile(`['"]shape['"]\s*:\s*\(([^)]*)\)`)
)

// Array is a read-only NumPy array backed by a memory-mapped .npy file.
// Values are decoded on access.
type Array struct {
	Path  string
	Descr string
	Shape []int

	data    []byte
	release func() error
}

// ArrayHeader is the parsed .npy header.
type ArrayHeader struct {
	Major, Minor int
	Descr        string
	FortranOrder bool
	Shape        []int
	DataOffset   int64
}

// ReadArrayHeader parses the header of a .npy stream (format versions 1.0,
// 2.0 and 3.0).
func ReadArrayHeader(r io.Reader) (ArrayHeader, error) {
	var h ArrayHeader
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return h, fmt.Errorf("reading npy magic: %w", err)
	}
	if string(prefix[:6]) != npyMagic {
		return h, fmt.Errorf("not an npy file")
	}
	h.Major, h.Minor = int(prefix[6]), int(prefix[7])

	var headerLen int
	switch h.Major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return h, fmt.Errorf("reading npy header length: %w", err)
		}
		headerLen = int(n)
		h.DataOffset = 10
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return h, fmt.Errorf("reading npy header length: %w", err)
		}
		headerLen = int(n)
		h.DataOffset = 12
	default:
		return h, fmt.Errorf("unsupported npy version %d.%d", h.Major, h.Minor)
	}
	h.DataOffset += int64(headerLen)

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return h, fmt.Errorf("reading npy header: %w", err)
	}
	if err := h.parseDict(string(header)); err != nil {
		return h, err
	}
	return h, nil
}

func (h *ArrayHeader) parseDict(dict string) error {
	m := descrPattern.FindStringSubmatch(dict)
	if m == nil {
		return fmt.Errorf("npy header has no descr: %q", dict)
	}
	h.Descr = m[1]

	m = fortranPattern.FindStringSubmatch(dict)
	if m == nil {
		return fmt.Errorf("npy header has no fortran_order: %q", dict)
	}
	h.FortranOrder = m[1] == "True"

	m = shapePattern.FindStringSubmatch(dict)
	if m == nil {
		return fmt.Errorf("npy header has no shape: %q", dict)
	}
	h.Shape = []int{}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil || d < 0 {
			return fmt.Errorf("invalid npy dimension %q", part)
		}
		h.Shape = append(h.Shape, d)
	}
	return nil
}

// OpenArray memory-maps the .npy file at path. The caller must Close it.
func OpenArray(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := ReadArrayHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	itemSize, ok := itemSizes[h.Descr]
	if !ok {
		return nil, fmt.Errorf("%s: unsupported dtype %q", path, h.Descr)
	}
	if h.FortranOrder {
		return nil, fmt.Errorf("%s: fortran-ordered arrays are not supported", path)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	need, ok := arrayBytes(itemSize, h.Shape)
	if !ok {
		return nil, fmt.Errorf("%s: shape %v is too large", path, h.Shape)
	}
	if info.Size() < h.DataOffset+need {
		return nil, fmt.Errorf("%s: truncated array: have %d data bytes, shape %v needs %d",
			path, info.Size()-h.DataOffset, h.Shape, need)
	}

	mapped, release, err := mapFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: mmap: %w", path, err)
	}
	return &Array{
		Path:    path,
		Descr:   h.Descr,
		Shape:   h.Shape,
		data:    mapped[h.DataOffset : h.DataOffset+need],
		release: release,
	}, nil
}

// arrayBytes is the data size of an array, or false when it overflows int64.
func arrayBytes(itemSize int, shape []int) (int64, bool) {
	need := int64(itemSize)
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && need > math.MaxInt64/int64(d) {
			return 0, false
		}
		need *= int64(d)
	}
	return need, true
}

// Close unmaps the array. Rows obtained earlier must not be used afterwards.
func (a *Array) Close() error {
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	a.data = nil
	return err
}

// Len is the size of the first dimension.
func (a *Array) Len() int {
	if len(a.Shape) == 0 {
		return 1
	}
	return a.Shape[0]
}

// ItemSize is the byte width of one element.
func (a *Array) ItemSize() int {
	return itemSizes[a.Descr]
}

// rowElems is the number of elements per entry of the first dimension.
func (a *Array) rowElems() int {
	n := 1
	if len(a.Shape) == 0 {
		return n
	}
	for _, d := range a.Shape[1:] {
		n *= d
	}
	return n
}

// Row returns the raw little-endian bytes of entry i. The slice aliases
// the mapping.
func (a *Array) Row(i int) []byte {
	size := a.rowElems() * a.ItemSize()
	return a.data[i*size : (i+1)*size]
}

// Int returns element i of a one-dimensional integer array.
func (a *Array) Int(i int) (int64, error) {
	if len(a.Shape) != 1 {
		return 0, fmt.Errorf("%s: expected a 1-D array, got shape %v", a.Path, a.Shape)
	}
	if i < 0 || i >= a.Shape[0] {
		return 0, fmt.Errorf("index %d out of range [0, %d)", i, a.Shape[0])
	}
	switch a.Descr {
	case "|u1":
		return int64(a.data[i]), nil
	case "<i2":
		return int64(int16(binary.LittleEndian.Uint16(a.data[2*i:]))), nil
	case "<i4":
		return int64(int32(binary.LittleEndian.Uint32(a.data[4*i:]))), nil
	case "<i8":
		return int64(binary.LittleEndian.Uint64(a.data[8*i:])), nil
	default:
		return 0, fmt.Errorf("%s: dtype %s is not an integer type", a.Path, a.Descr)
	}
}

// Float32s decodes entry i as float32 values, scaling unsigned bytes into
// [0,1].
func (a *Array) Float32s(i int, dst []float32) ([]float32, error) {
	row := a.Row(i)
	n := a.rowElems()
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	switch a.Descr {
	case "|u1":
		for j, b := range row {
			dst[j] = float32(b) / 255
		}
	case "<f4":
		for j := range dst {
			dst[j] = math.Float32frombits(binary.LittleEndian.Uint32(row[4*j:]))
		}
	default:
		return nil, fmt.Errorf("%s: dtype %s is not an image type", a.Path, a.Descr)
	}
	return dst, nil
}

// WriteArray writes data as a version 1.0 .npy file. data must be one of
// []uint8, []int16, []int32, []int64 or []float32 holding the C-order
// elements of shape.
func WriteArray(path string, shape []int, data any) error {
	var descr string
	var count int
	switch v := data.(type) {
	case []uint8:
		descr, count = "|u1", len(v)
	case []int16:
		descr, count = "<i2", len(v)
	case []int32:
		descr, count = "<i4", len(v)
	case []int64:
		descr, count = "<i8", len(v)
	case []float32:
		descr, count = "<f4", len(v)
	default:
		return fmt.Errorf("unsupported element type %T", data)
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != count {
		return fmt.Errorf("shape %v holds %d elements, data has %d", shape, n, count)
	}

	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, tuple)
	// The data offset is padded to a multiple of 64 and the header ends in
	// a newline.
	pad := 64 - (10+len(dict)+1)%64
	if pad == 64 {
		pad = 0
	}
	header := dict + strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
