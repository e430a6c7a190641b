package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ibrasoft/driveclonr/internal/export"
)

func fixedProgress(out *bytes.Buffer, tty bool) (*progress, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newProgress(out, tty)
	p.start = now
	p.now = func() time.Time { return now }

	return p, &now
}

func TestProgress_CountsEvents(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	p, now := fixedProgress(&out, false)

	p.handle(export.Event{Kind: export.EventNodeListed})
	p.handle(export.Event{Kind: export.EventNodeDone, Bytes: 2048, Path: "a/b.txt"})
	p.handle(export.Event{Kind: export.EventNodeDone, Bytes: 1024, Path: "a/c.txt"})
	p.handle(export.Event{Kind: export.EventNodeRetry})
	p.handle(export.Event{Kind: export.EventNodeFailed})
	p.handle(export.Event{Kind: export.EventJobStatus, Status: export.JobCompleted})

	assert.Empty(t, out.String(), "nothing drawn without a terminal")

	*now = now.Add(90 * time.Second)
	p.finish(export.JobCompleted)

	assert.Equal(t, "Export completed after 1m30s: 2 files (3.0 KB), 1 failed\n", out.String())
}

func TestProgress_RedrawThrottled(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	p, now := fixedProgress(&out, true)
	*now = now.Add(time.Second)

	p.handle(export.Event{Kind: export.EventNodeDone, Bytes: 10, Path: "x.txt"})
	p.handle(export.Event{Kind: export.EventNodeDone, Bytes: 10, Path: "y.txt"})

	assert.Equal(t, 1, strings.Count(out.String(), "\r\x1b[K"), "second event within the interval is not drawn")
	assert.Contains(t, out.String(), "1 files")
	assert.Contains(t, out.String(), "x.txt")

	*now = now.Add(progressInterval)
	p.handle(export.Event{Kind: export.EventNodeDone, Bytes: 10, Path: "z.txt"})

	assert.Equal(t, 2, strings.Count(out.String(), "\r\x1b[K"))
	assert.Contains(t, out.String(), "3 files")

	out.Reset()
	p.finish(export.JobPaused)

	assert.True(t, strings.HasPrefix(out.String(), "\r\x1b[K"), "progress line cleared")
	assert.Contains(t, out.String(), "Export paused")
}

func TestProgress_TickRedrawsWithoutCounting(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	p, now := fixedProgress(&out, true)
	*now = now.Add(time.Second)

	p.handle(export.Event{Kind: export.EventNodeDone, Bytes: 10, Path: "x.txt"})
	*now = now.Add(progressInterval)
	p.handle(export.Event{Kind: export.EventJobProgress, Stats: &export.PoolStats{Fetched: 1}})

	assert.Equal(t, 2, strings.Count(out.String(), "\r\x1b[K"), "snapshot redraws the line")
	assert.Equal(t, 1, p.done)
}
