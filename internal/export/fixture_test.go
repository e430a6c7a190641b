package export

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // test fixture mirrors Drive's MD5 checksums
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T.Log to io.Writer for slog output.
type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	return openTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
}

func openTestLedger(t *testing.T, path string) *Ledger {
	t.Helper()

	l, err := OpenLedger(context.Background(), path, testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { l.Close() })

	return l
}

func testOptions() Options {
	return Options{
		Pool: PoolConfig{
			Workers:      4,
			PollInterval: time.Millisecond,
			Backoff:      Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond},
		},
		RateLimits: map[Service]RateConfig{
			ServiceDrive:  {Rate: 100000, Burst: 1000},
			ServicePhotos: {Rate: 100000, Burst: 1000},
		},
	}
}

func md5Of(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec // fixture checksum

	return hex.EncodeToString(sum[:])
}

// memSource is a deterministic in-memory RemoteSource.
type memSource struct {
	mu stdsync.Mutex

	svc      Service
	roots    []Node
	children map[string][]Node
	content  map[string][]byte

	// fetchErrs and listErrs are consumed one per call before succeeding.
	fetchErrs map[string][]error
	listErrs  map[string][]error
	// fetchHook runs at the start of every Fetch, outside the lock.
	fetchHook func(id string)
	// reauthFails makes Reauthenticate return an error.
	reauthFails bool

	fetchCalls map[string]int
	listCalls  map[string]int
	reauths    int
}

func newMemSource(svc Service) *memSource {
	return &memSource{
		svc:        svc,
		children:   make(map[string][]Node),
		content:    make(map[string][]byte),
		fetchErrs:  make(map[string][]error),
		listErrs:   make(map[string][]error),
		fetchCalls: make(map[string]int),
		listCalls:  make(map[string]int),
	}
}

func (s *memSource) addRoot(id, name string) {
	s.roots = append(s.roots, Node{ID: id, Service: s.svc, Kind: KindContainer, Name: name})
}

func (s *memSource) addFolder(parent, id, name string) {
	s.children[parent] = append(s.children[parent], Node{ID: id, Service: s.svc, Kind: KindContainer, Name: name})
}

func (s *memSource) addFile(parent, id, name, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content[id] = []byte(body)
	s.children[parent] = append(s.children[parent], Node{
		ID: id, Service: s.svc, Kind: KindLeaf, Name: name,
		Size: int64(len(body)), Digest: md5Of([]byte(body)),
		Modified: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})
}

// setContent changes a file's body and listed digest.
func (s *memSource) setContent(parent, id, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content[id] = []byte(body)

	for i := range s.children[parent] {
		if s.children[parent][i].ID == id {
			s.children[parent][i].Digest = md5Of([]byte(body))
			s.children[parent][i].Size = int64(len(body))
		}
	}
}

func (s *memSource) Roots(context.Context) ([]Node, error) {
	return append([]Node(nil), s.roots...), nil
}

func (s *memSource) List(_ context.Context, container Node) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listCalls[container.ID]++

	if errs := s.listErrs[container.ID]; len(errs) > 0 {
		s.listErrs[container.ID] = errs[1:]
		return nil, errs[0]
	}

	return append([]Node(nil), s.children[container.ID]...), nil
}

func (s *memSource) Fetch(_ context.Context, leaf Node) (*Content, error) {
	if s.fetchHook != nil {
		s.fetchHook(leaf.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchCalls[leaf.ID]++

	if errs := s.fetchErrs[leaf.ID]; len(errs) > 0 {
		s.fetchErrs[leaf.ID] = errs[1:]
		return nil, errs[0]
	}

	body := s.content[leaf.ID]

	return &Content{
		Body:   io.NopCloser(bytes.NewReader(body)),
		Digest: md5Of(body),
		MD5:    md5Of(body),
		Size:   int64(len(body)),
	}, nil
}

func (s *memSource) Reauthenticate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reauths++

	if s.reauthFails {
		return &RemoteError{Service: s.svc, Message: "refresh token revoked", Err: ErrAuth}
	}

	return nil
}

func (s *memSource) fetches(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fetchCalls[id]
}

// memSink is an in-memory LocalSink.
type memSink struct {
	mu      stdsync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	writes  int
	onWrite func(n int)
}

func newMemSink() *memSink {
	return &memSink{files: make(map[string][]byte), dirs: make(map[string]bool)}
}

func (s *memSink) Write(_ context.Context, relPath string, body io.Reader, _ time.Time) (Committed, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return Committed{}, err
	}

	s.mu.Lock()
	s.files[relPath] = b
	s.writes++
	n := s.writes
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	return Committed{Path: relPath, Size: int64(len(b)), MD5: md5Of(b)}, nil
}

func (s *memSink) Exists(relPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.files[relPath]

	return ok
}

func (s *memSink) EnsureDir(_ context.Context, relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirs[relPath] = true

	return nil
}

func (s *memSink) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.files))
	for k, v := range s.files {
		out[k] = string(v)
	}

	return out
}

func (s *memSink) remove(relPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.files, relPath)
}

// ledgerStates maps node id to state for every ledger entry.
func ledgerStates(t *testing.T, l *Ledger) map[string]State {
	t.Helper()

	entries, err := l.Load(context.Background())
	require.NoError(t, err)

	out := make(map[string]State, len(entries))
	for _, e := range entries {
		out[e.ID] = e.State
	}

	return out
}
