package coverage

import (
	"bufio"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "coverage")

// Vertex is a control-flow address observed by the tracer.
type Vertex uint64

// EntryExit is the synthetic vertex standing in for process entry and exit.
// The tracer reports those transitions with the maximum address.
const EntryExit Vertex = math.MaxUint64

// Outcome is the run classification written on the artifact's final line.
type Outcome int

const (
	Normal Outcome = iota
	Crash
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Crash:
		return "CRASH"
	case Timeout:
		return "TIMEOUT"
	}
	return "NORMAL"
}

// Edge is one (from, to, hits) observation.
type Edge struct {
	From Vertex
	To   Vertex
	Hits uint64
}

// Artifact is the parsed content of one coverage file.
type Artifact struct {
	Edges   []Edge
	Outcome Outcome
	// Flushed is false when the final sentinel line was missing or unknown.
	Flushed bool
	// Malformed counts edge lines that could not be parsed and were skipped.
	Malformed int
}

// ParseOutcome matches a sentinel line by prefix.
func ParseOutcome(line string) (Outcome, bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "CRASH"):
		return Crash, true
	case strings.HasPrefix(line, "TIMEOUT"):
		return Timeout, true
	case strings.HasPrefix(line, "NORMAL"):
		return Normal, true
	}
	return Normal, false
}

// ParseEdge parses "<fromHex> <toHex> <unused> <hitCount>".
func ParseEdge(line string) (Edge, error) {
	tok := strings.Fields(line)
	if len(tok) != 4 {
		return Edge{}, errors.Errorf("coverage: want 4 tokens, got %d", len(tok))
	}
	from, err := parseAddr(tok[0])
	if err != nil {
		return Edge{}, err
	}
	to, err := parseAddr(tok[1])
	if err != nil {
		return Edge{}, err
	}
	hits, err := strconv.ParseUint(tok[3], 10, 64)
	if err != nil {
		return Edge{}, errors.Wrapf(err, "coverage: hit count %q", tok[3])
	}
	return Edge{From: from, To: to, Hits: hits}, nil
}

func parseAddr(tok string) (Vertex, error) {
	tok = strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
	v, err := strconv.ParseUint(tok, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "coverage: address %q", tok)
	}
	// Max address already equals EntryExit; kept explicit for readers.
	if v == math.MaxUint64 {
		return EntryExit, nil
	}
	return Vertex(v), nil
}

// ReadArtifact parses a coverage file in a single forward pass. The final
// non-empty line is the sentinel; every line before it is an edge.
func ReadArtifact(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, errors.Wrap(err, "coverage: open artifact")
	}
	defer f.Close()
	return Parse(f)
}

// maxLineLen bounds one artifact line. Longer lines are skipped as malformed.
const maxLineLen = 64 * 1024

// Parse reads an artifact from r. It holds back one line at a time so the
// last line can be checked for the sentinel without a second pass.
func Parse(r io.Reader) (Artifact, error) {
	var (
		art     Artifact
		pending string
		have    bool
	)
	br := bufio.NewReaderSize(r, maxLineLen)
	for {
		raw, long, err := readLine(br)
		if err != nil && err != io.EOF {
			return Artifact{}, errors.Wrap(err, "coverage: read artifact")
		}
		line := strings.TrimRight(raw, "\r\n")
		switch {
		case long:
			if have {
				art.addLine(pending)
			}
			pending, have = "", false
			art.Malformed++
			log.Debug("Skipping oversized artifact line")
		case strings.TrimSpace(line) != "":
			if have {
				art.addLine(pending)
			}
			pending, have = line, true
		}
		if err == io.EOF {
			break
		}
	}
	if !have {
		return Artifact{}, nil
	}
	outcome, ok := ParseOutcome(pending)
	if !ok {
		log.WithField("line", pending).Debug("Artifact has no final sentinel, treating run as unflushed")
		return Artifact{}, nil
	}
	art.Outcome = outcome
	art.Flushed = true
	return art, nil
}

// readLine returns the next line including its terminator. A line that does
// not fit the reader's buffer is consumed and reported as long.
func readLine(br *bufio.Reader) (line string, long bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			long = true
			continue
		}
		if long {
			return "", true, err
		}
		return string(chunk), false, err
	}
}

func (a *Artifact) addLine(line string) {
	e, err := ParseEdge(line)
	if err != nil {
		a.Malformed++
		log.WithError(err).Debug("Skipping malformed artifact line")
		return
	}
	a.Edges = append(a.Edges, e)
}
