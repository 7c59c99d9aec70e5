package trace

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Encode writes t as indented JSON.
func Encode(w io.Writer, t Trace) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t); err != nil {
		return errors.Wrap(err, "trace: encode")
	}
	return nil
}

// Decode reads a trace written by Encode.
func Decode(r io.Reader) (Trace, error) {
	var t Trace
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return Trace{}, errors.Wrap(err, "trace: decode")
	}
	return t, nil
}
