package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxLineBytes bounds a single protocol line. Lines beyond this
// are truncated into a log event rather than failing the stream.
const DefaultMaxLineBytes = 1 << 20

// Decoder reads worker stdout line by line and parses each line into an
// Event. It is not safe for concurrent use.
type Decoder struct {
	r            *bufio.Reader
	maxLineBytes int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxLineBytes: DefaultMaxLineBytes}
}

func (d *Decoder) SetMaxLineBytes(n int) {
	if n <= 0 {
		d.maxLineBytes = DefaultMaxLineBytes
		return
	}
	d.maxLineBytes = n
}

// Next returns the next event, or io.EOF when the stream is exhausted.
// Blank lines are skipped. An oversize line is consumed to its newline
// and returned truncated as a log event.
func (d *Decoder) Next() (Event, error) {
	for {
		line, truncated, err := d.readLine()
		if err != nil {
			return Event{}, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if truncated {
			return LogEvent(string(line)), nil
		}
		return ParseLine(line), nil
	}
}

// readLine reads up to the next newline, capping retained bytes at
// maxLineBytes. The truncated flag reports that the cap was hit; the
// remainder of the line is discarded.
func (d *Decoder) readLine() ([]byte, bool, error) {
	var out []byte
	truncated := false
	for {
		frag, err := d.r.ReadSlice('\n')
		if !truncated {
			out = append(out, frag...)
			if len(out) > d.maxLineBytes {
				out = out[:d.maxLineBytes]
				truncated = true
			}
		}
		if err == nil {
			return bytes.TrimSuffix(out, []byte("\n")), truncated, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, false, io.EOF
			}
			return out, truncated, nil
		}
		return nil, false, err
	}
}
