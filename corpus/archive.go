package corpus

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"alma.local/evofuzz/trace"
)

// Category is a subdirectory of the output folder.
type Category string

const (
	Good       Category = "good"
	Crashed    Category = "crashed"
	Timeout    Category = "timeout"
	UniqueFlow Category = "uniqueFlows"
)

const snappyMagic = "sNaPpY"

// Categories lists every category in commit order.
var Categories = []Category{Good, Crashed, Timeout, UniqueFlow}

// Archive writes and reads serialized traces under <root>/<category>/<name>.
type Archive struct {
	root     string
	compress bool
}

// NewArchive returns an archive rooted at root. With compress set, files are
// written in the snappy framing format; reading accepts both forms.
func NewArchive(root string, compress bool) *Archive {
	return &Archive{root: root, compress: compress}
}

func (a *Archive) Root() string { return a.root }

func (a *Archive) Dir(c Category) string {
	return filepath.Join(a.root, string(c))
}

// Write stores t as <root>/<c>/<name>.
func (a *Archive) Write(c Category, name string, t trace.Trace) error {
	dir := a.Dir(c)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "corpus: create %s", dir)
	}
	return WriteFile(filepath.Join(dir, name), t, a.compress)
}

// WriteFile stores one trace at path, snappy-framed when compress is set.
func WriteFile(path string, t trace.Trace, compress bool) error {
	var buf bytes.Buffer
	if compress {
		w := snappy.NewBufferedWriter(&buf)
		if err := trace.Encode(w, t); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return errors.Wrap(err, "corpus: compress trace")
		}
	} else if err := trace.Encode(&buf, t); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "corpus: write %s", path)
	}
	return nil
}

// ReadFile loads one stored trace.
func ReadFile(path string) (trace.Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.Trace{}, errors.Wrapf(err, "corpus: read %s", path)
	}
	// The snappy stream identifier chunk is 0xff 0x06 0x00 0x00 "sNaPpY".
	if len(data) >= 10 && string(data[4:10]) == snappyMagic {
		return trace.Decode(snappy.NewReader(bytes.NewReader(data)))
	}
	return trace.Decode(bytes.NewReader(data))
}

// LoadDir reads every trace file in dir, skipping dot files. Unreadable files
// are reported through skip and left out.
func LoadDir(dir string, skip func(path string, err error)) ([]trace.Trace, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "corpus: list %s", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var out []trace.Trace
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		t, err := ReadFile(path)
		if err != nil {
			if skip != nil {
				skip(path, err)
			}
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Clean removes every non-dot file in the given categories.
func (a *Archive) Clean(cats ...Category) error {
	for _, c := range cats {
		entries, err := os.ReadDir(a.Dir(c))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return errors.Wrapf(err, "corpus: list %s", a.Dir(c))
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if err := os.Remove(filepath.Join(a.Dir(c), e.Name())); err != nil {
				return errors.Wrap(err, "corpus: clean")
			}
		}
	}
	return nil
}
