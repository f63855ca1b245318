package upstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

const (
	doneSentinel = "[DONE]"

	// maxLineBytes bounds a single event stream line.
	maxLineBytes = 1 << 20
)

// errLineTooLong reports one line over maxLineBytes. The rest of that line is
// discarded and the reader stays usable.
var errLineTooLong = errors.New("stream line too long")

// streamReader walks an event stream one data payload at a time. It never
// buffers more than one line, and it is single pass: once Next has returned
// io.EOF or a read error the reader is spent.
type streamReader struct {
	r    *bufio.Reader
	raw  *rawBuffer
	done bool
}

func newStreamReader(r io.Reader, raw *rawBuffer) *streamReader {
	return &streamReader{r: bufio.NewReaderSize(r, 4096), raw: raw}
}

// Next returns the next data payload with its "data:" prefix removed.
// It returns io.EOF on the sentinel or when the connection closes, and
// errLineTooLong for an oversize line, after which reading may continue.
func (s *streamReader) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for {
		text, err := s.readLine()
		if err == errLineTooLong {
			s.raw.WriteLine(text + "...(line truncated)")
			return "", errLineTooLong
		}
		if err != nil && err != io.EOF {
			s.done = true
			return "", err
		}

		line := strings.TrimSpace(text)
		if line != "" {
			s.raw.WriteLine(line)
			if payload, ok := dataPayload(line); ok {
				if payload == doneSentinel {
					s.done = true
					return "", io.EOF
				}
				if payload != "" {
					return payload, nil
				}
			}
		}

		if err == io.EOF {
			s.done = true
			return "", io.EOF
		}
	}
}

// readLine returns one line without its terminator. For an oversize line it
// returns a prefix of at most maxLineBytes and errLineTooLong, having consumed
// the whole line. A final line without a newline comes back with io.EOF.
func (s *streamReader) readLine() (string, error) {
	var buf []byte
	oversize := false
	for {
		chunk, err := s.r.ReadSlice('\n')
		if !oversize {
			if room := maxLineBytes - len(buf); len(chunk) > room {
				buf = append(buf, chunk[:room]...)
				oversize = true
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == bufio.ErrBufferFull:
			continue
		case oversize && (err == nil || err == io.EOF):
			return string(buf), errLineTooLong
		case err != nil:
			return string(bytes.TrimRight(buf, "\r\n")), err
		default:
			return string(bytes.TrimRight(buf, "\r\n")), nil
		}
	}
}

// dataPayload extracts the payload of a data line. Comments and the other
// event stream fields (event, id, retry) carry no answer text and are
// skipped. A line without any field prefix is taken as a bare payload.
func dataPayload(line string) (string, bool) {
	if strings.HasPrefix(line, ":") {
		return "", false
	}
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		return strings.TrimSpace(rest), true
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, field) {
			return "", false
		}
	}
	return line, true
}

// rawBuffer keeps the first max bytes of what the upstream sent.
type rawBuffer struct {
	max       int
	b         strings.Builder
	truncated bool
}

func newRawBuffer(max int) *rawBuffer {
	return &rawBuffer{max: max}
}

// Write never fails; bytes past the limit are counted as written and dropped.
func (r *rawBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if r.truncated {
		return n, nil
	}
	room := r.max - r.b.Len()
	if len(p) > room {
		p = p[:max(room, 0)]
		r.truncated = true
	}
	r.b.Write(p)
	return n, nil
}

func (r *rawBuffer) WriteLine(line string) {
	_, _ = r.Write([]byte(line))
	_, _ = r.Write([]byte{'\n'})
}

func (r *rawBuffer) String() string {
	if r.truncated {
		return strings.ToValidUTF8(r.b.String(), "") + "...(truncated)"
	}
	return r.b.String()
}
