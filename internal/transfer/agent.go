// Package transfer hands assembled artifacts to an external copy agent and
// decides, from the agent's exit status alone, whether the local copy may go.
package transfer

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"regexp"
	"strconv"
)

// Agent starts one copy of files to the remote destination.
type Agent interface {
	Start(ctx context.Context, files []string) (Process, error)
}

// Process is a running copy. Output yields the agent's human readable
// progress text; Wait returns nil only when the copy succeeded.
// Output must be drained before Wait is called.
type Process interface {
	Output() io.Reader
	Wait() error
}

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// ParsePercent extracts the last whole-number percentage from a line of
// agent output.
func ParsePercent(line string) (int, bool) {
	matches := percentPattern.FindAllStringSubmatch(line, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		pct, err := strconv.Atoi(matches[i][1])
		if err == nil && pct >= 0 && pct <= 100 {
			return pct, true
		}
	}
	return 0, false
}

// scanProgressLines splits on '\n' and on the bare '\r' progress tools use to
// redraw a line in place.
func scanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// readProgress decodes r line by line and sends every parsed percentage on
// the returned channel, which is closed when r is exhausted. Lines are also
// handed to onLine for logging.
func readProgress(r io.Reader, onLine func(string)) <-chan int {
	out := make(chan int)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
		scanner.Split(scanProgressLines)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if onLine != nil {
				onLine(line)
			}
			if pct, ok := ParsePercent(line); ok {
				out <- pct
			}
		}
		// Keep draining so the agent never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}()
	return out
}
