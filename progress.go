package main

import (
	"fmt"
	"io"
	"os"
	stdsync "sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/ibrasoft/driveclonr/internal/export"
)

const progressInterval = 200 * time.Millisecond

// progress renders a one-line running summary of export events. On a
// terminal the line is redrawn in place; otherwise nothing is drawn until
// the final summary, since the log already records each step.
type progress struct {
	out io.Writer
	tty bool
	now func() time.Time

	mu       stdsync.Mutex
	start    time.Time
	drawn    time.Time
	listed   int
	done     int
	failed   int
	retried  int
	bytes    int64
	lastPath string
}

func newProgress(out io.Writer, tty bool) *progress {
	return &progress{out: out, tty: tty, now: time.Now, start: time.Now()}
}

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	fd := f.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// handle is an export observer. It is called from worker goroutines.
func (p *progress) handle(ev export.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case export.EventNodeListed:
		p.listed++
	case export.EventNodeDone:
		p.done++
		p.bytes += ev.Bytes
		p.lastPath = ev.Path
	case export.EventNodeFailed:
		p.failed++
	case export.EventNodeRetry:
		p.retried++
	case export.EventJobProgress:
		// Redraw so the rate stays current while large files download.
	default:
		return
	}

	if !p.tty {
		return
	}

	if now := p.now(); now.Sub(p.drawn) >= progressInterval {
		p.drawn = now
		fmt.Fprintf(p.out, "\r\x1b[K%s", p.lineLocked())
	}
}

func (p *progress) lineLocked() string {
	elapsed := p.now().Sub(p.start)

	line := fmt.Sprintf("%d files (%s, %s), %d folders, %d failed, %d retries",
		p.done, formatSize(p.bytes), formatRate(p.bytes, elapsed), p.listed, p.failed, p.retried)

	if p.lastPath != "" {
		line += "  " + p.lastPath
	}

	return line
}

// finish ends the progress line and prints the run summary.
func (p *progress) finish(status export.JobStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tty && !p.drawn.IsZero() {
		fmt.Fprint(p.out, "\r\x1b[K")
	}

	fmt.Fprintf(p.out, "Export %s after %s: %d files (%s), %d failed\n",
		status, formatElapsed(p.now().Sub(p.start)), p.done, formatSize(p.bytes), p.failed)
}
