package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/tracklab/tracknet/internal/errors"
)

// ErrMalformedMapping is matched by every class mapping parse failure.
var ErrMalformedMapping = errors.NewStd("malformed class mapping")

// ClassMapping is a bijection between class names and the dense indices
// [0, K).
type ClassMapping struct {
	names []string
	index map[string]int
}

// NewClassMapping builds a mapping where names[i] has index i.
func NewClassMapping(names []string) (*ClassMapping, error) {
	m := &ClassMapping{names: append([]string(nil), names...), index: make(map[string]int, len(names))}
	for i, n := range names {
		if _, dup := m.index[n]; dup {
			return nil, mappingError("", 0, fmt.Errorf("duplicate class name %q", n))
		}
		m.index[n] = i
	}
	return m, nil
}

// LoadMapping reads a class mapping file.
func LoadMapping(path string) (*ClassMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to open class mapping: %w", err), path)
	}
	defer f.Close()
	return ParseMapping(f, path)
}

// ParseMapping parses "name: index" lines. Blank lines are skipped; any
// other line that does not split on the first ": " into a name and an
// integer is an error naming its line number.
func ParseMapping(r io.Reader, source string) (*ClassMapping, error) {
	byIndex := map[int]string{}
	byName := map[string]int{}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, rawIdx, found := strings.Cut(line, ": ")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, mappingError(source, lineNo, fmt.Errorf("expected \"name: index\", got %q", line))
		}
		idx, err := strconv.Atoi(strings.TrimSpace(rawIdx))
		if err != nil {
			return nil, mappingError(source, lineNo, fmt.Errorf("invalid index %q", rawIdx))
		}
		if idx < 0 {
			return nil, mappingError(source, lineNo, fmt.Errorf("negative index %d", idx))
		}
		if prev, dup := byName[name]; dup {
			return nil, mappingError(source, lineNo, fmt.Errorf("class %q already has index %d", name, prev))
		}
		if prev, dup := byIndex[idx]; dup {
			return nil, mappingError(source, lineNo, fmt.Errorf("index %d already used by %q", idx, prev))
		}
		byName[name] = idx
		byIndex[idx] = name
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to read class mapping: %w", err), source)
	}
	if len(byIndex) == 0 {
		return nil, mappingError(source, 0, fmt.Errorf("no classes defined"))
	}

	indices := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	names := make([]string, len(indices))
	for i, idx := range indices {
		if idx != i {
			return nil, mappingError(source, 0, fmt.Errorf("indices are not contiguous: missing %d", i))
		}
		names[i] = byIndex[idx]
	}
	return &ClassMapping{names: names, index: byName}, nil
}

func mappingError(source string, line int, err error) error {
	if line > 0 {
		err = fmt.Errorf("line %d: %w", line, err)
	}
	b := errors.New(fmt.Errorf("%w: %w", ErrMalformedMapping, err)).
		Component("dataset").
		Category(errors.CategoryMalformedMapping)
	if source != "" {
		b = b.FileContext(source)
	}
	if line > 0 {
		b = b.Context("line", line)
	}
	return b.Build()
}

// Len returns the number of classes
func (m *ClassMapping) Len() int {
	return len(m.names)
}

// Name returns the class name for idx.
func (m *ClassMapping) Name(idx int) (string, bool) {
	if idx < 0 || idx >= len(m.names) {
		return "", false
	}
	return m.names[idx], true
}

// Index returns the index of name.
func (m *ClassMapping) Index(name string) (int, bool) {
	idx, ok := m.index[name]
	return idx, ok
}

// Names returns the class names ordered by index.
func (m *ClassMapping) Names() []string {
	return append([]string(nil), m.names...)
}

// WriteTo writes the mapping in the "name: index" file format.
func (m *ClassMapping) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for i, n := range m.names {
		c, err := fmt.Fprintf(w, "%s: %d\n", n, i)
		total += int64(c)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
