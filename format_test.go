package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"bytes", 512, "512 B"},
		{"kilobytes", 1536, "1.5 KB"},
		{"megabytes", 5242880, "5.0 MB"},
		{"gigabytes", 1610612736, "1.5 GB"},
		{"terabytes", 1099511627776, "1.0 TB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.bytes))
		})
	}
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "1.0 MB/s", formatRate(2*sizeMB, 2*time.Second))
	assert.Equal(t, "0 B/s", formatRate(100, 0))
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "1m5s", formatElapsed(65*time.Second+300*time.Millisecond))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"STATE", "COUNT"}, [][]string{
		{"done", "12"},
		{"failed", "1"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "STATE   COUNT", lines[0])
	assert.Equal(t, "done    12", lines[1])
	assert.Equal(t, "failed  1", lines[2])
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printJSON(&buf, map[string]int{"done": 3}))
	assert.Equal(t, "{\n  \"done\": 3\n}\n", buf.String())
}
