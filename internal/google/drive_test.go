package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibrasoft/driveclonr/internal/export"
)

// fakeDrive serves the subset of the Drive v3 REST API the source uses.
type fakeDrive struct {
	t       *testing.T
	pages   map[string][][]map[string]any // query -> pages of files
	content map[string]string           // file id -> body
	exports map[string]string           // file id + "|" + mime -> body
	status  map[string]int              // file id -> forced error status

	slides map[string][]string         // presentation id -> slide object ids
	sheets map[string][]map[string]any // spreadsheet id -> sheet properties
	values map[string][][]any          // spreadsheet id + "|" + range -> rows

	mu      stdsync.Mutex
	queries []string
}

func (f *fakeDrive) seenQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.queries...)
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")

	switch {
	case strings.HasPrefix(path, "v1/presentations/"):
		f.servePresentation(w, r, strings.TrimPrefix(path, "v1/presentations/"))
	case strings.HasPrefix(path, "v4/spreadsheets/"):
		f.serveSpreadsheet(w, strings.TrimPrefix(path, "v4/spreadsheets/"))
	case strings.HasPrefix(path, "render/"):
		io.WriteString(w, "PNG-"+strings.TrimSuffix(strings.TrimPrefix(path, "render/"), ".png"))
	case path == "about":
		writeJSON(w, map[string]any{"user": map[string]any{"displayName": "Ada", "emailAddress": "ada@example.com"}})
	case path == "files":
		q := r.URL.Query().Get("q")
		f.mu.Lock()
		f.queries = append(f.queries, q)
		f.mu.Unlock()

		pages := f.pages[q]
		idx := 0

		if tok := r.URL.Query().Get("pageToken"); tok != "" {
			idx = int(tok[0] - '0')
		}

		if idx >= len(pages) {
			writeJSON(w, map[string]any{"files": []any{}})
			return
		}

		resp := map[string]any{"files": pages[idx]}
		if idx+1 < len(pages) {
			resp["nextPageToken"] = string(rune('0' + idx + 1))
		}

		writeJSON(w, resp)
	case strings.HasSuffix(path, "/export"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "files/"), "/export")

		body, ok := f.exports[id+"|"+r.URL.Query().Get("mimeType")]
		if !ok {
			writeAPIError(w, http.StatusNotFound, "notFound")
			return
		}

		io.WriteString(w, body)
	case strings.HasPrefix(path, "files/"):
		id := strings.TrimPrefix(path, "files/")

		if code, ok := f.status[id]; ok {
			reason := ""
			if code == http.StatusForbidden {
				reason = "userRateLimitExceeded"
				w.Header().Set("Retry-After", "9")
			}

			writeAPIError(w, code, reason)

			return
		}

		body, ok := f.content[id]
		if !ok || r.URL.Query().Get("alt") != "media" {
			writeAPIError(w, http.StatusNotFound, "notFound")
			return
		}

		io.WriteString(w, body)
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL)
		http.NotFound(w, r)
	}
}

func (f *fakeDrive) servePresentation(w http.ResponseWriter, r *http.Request, rest string) {
	id, page, isPage := strings.Cut(rest, "/pages/")
	if !isPage {
		ids, ok := f.slides[id]
		if !ok {
			writeAPIError(w, http.StatusNotFound, "notFound")
			return
		}

		pages := make([]any, 0, len(ids))
		for _, objID := range ids {
			pages = append(pages, map[string]any{"objectId": objID})
		}

		writeJSON(w, map[string]any{"slides": pages})

		return
	}

	q := r.URL.Query()
	if q.Get("thumbnailProperties.mimeType") != "PNG" {
		f.t.Errorf("thumbnail requested as %q", q.Get("thumbnailProperties.mimeType"))
	}

	page = strings.TrimSuffix(page, "/thumbnail")
	writeJSON(w, map[string]any{"contentUrl": "http://" + r.Host + "/render/" + page + ".png"})
}

func (f *fakeDrive) serveSpreadsheet(w http.ResponseWriter, rest string) {
	id, rng, isValues := strings.Cut(rest, "/values/")
	if !isValues {
		props, ok := f.sheets[id]
		if !ok {
			writeAPIError(w, http.StatusNotFound, "notFound")
			return
		}

		out := make([]any, 0, len(props))
		for _, p := range props {
			out = append(out, map[string]any{"properties": p})
		}

		writeJSON(w, map[string]any{"sheets": out})

		return
	}

	rows, ok := f.values[id+"|"+rng]
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "badRequest")
		return
	}

	writeJSON(w, map[string]any{"range": rng, "values": rows})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck // test server
}

func writeAPIError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test server
		"error": map[string]any{
			"code":    code,
			"message": http.StatusText(code),
			"errors":  []any{map[string]any{"reason": reason, "message": http.StatusText(code)}},
		},
	})
}

func newFakeDrive(t *testing.T) *fakeDrive {
	t.Helper()

	return &fakeDrive{
		t: t,
		pages: map[string][][]map[string]any{
			"'root' in parents and trashed = false": {
				{
					{"id": "f1", "name": "Projects", "mimeType": MimeFolder, "modifiedTime": "2024-05-01T10:00:00Z"},
					{"id": "d1", "name": "Plan", "mimeType": MimeDocs, "version": "42", "modifiedTime": "2024-05-02T10:00:00Z"},
				},
				{
					{"id": "b1", "name": "photo.jpg", "mimeType": "image/jpeg", "size": "5", "md5Checksum": "5d41402abc4b2a76b9719d911017c592"},
					{"id": "q1", "name": "Survey", "mimeType": "application/vnd.google-apps.form"},
					{"id": "s1", "name": "Budget", "mimeType": MimeSheets, "version": "3"},
				},
			},
			"sharedWithMe = true and trashed = false": {
				{{"id": "x1", "name": "shared.txt", "mimeType": "text/plain", "version": "1"}},
			},
			"'decks' in parents and trashed = false": {
				{
					{"id": "p1", "name": "Deck", "mimeType": MimeSlides, "version": "7", "modifiedTime": "2024-06-01T10:00:00Z"},
					{"id": "s2", "name": "Ledger", "mimeType": MimeSheets, "version": "9"},
				},
			},
		},
		slides: map[string][]string{"p1": {"g1", "g2", "g3"}},
		sheets: map[string][]map[string]any{
			"s2": {
				{"sheetId": 0, "title": "Q1"},
				{"sheetId": 771, "title": "Totals"},
			},
		},
		values: map[string][][]any{
			"s2|'Q1'":     {{"month", "amount"}, {"jan", "10"}},
			"s2|'Totals'": {{"sum", "10", "note, quoted"}, {"avg"}},
		},
		content: map[string]string{"b1": "hello"},
		exports: map[string]string{
			"d1|application/vnd.openxmlformats-officedocument.wordprocessingml.document": "DOCX-BYTES",
		},
		status: map[string]int{"rl": http.StatusForbidden, "gone": http.StatusNotFound},
	}
}

func newTestDriveSource(t *testing.T, fake *fakeDrive, cfg DriveConfig) *DriveSource {
	t.Helper()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg.Endpoint = srv.URL + "/"

	d, err := NewDriveSource(context.Background(), srv.Client(), nil, cfg, testLogger(t))
	require.NoError(t, err)

	return d
}

func TestDriveSource_Roots(t *testing.T) {
	t.Parallel()

	d := newTestDriveSource(t, newFakeDrive(t), DriveConfig{IncludeShared: true})

	roots, err := d.Roots(context.Background())
	require.NoError(t, err)
	require.Len(t, roots, 2)

	assert.Equal(t, DriveRootID, roots[0].ID)
	assert.Equal(t, "My Drive", roots[0].Name)
	assert.Equal(t, export.KindContainer, roots[0].Kind)
	assert.Equal(t, SharedRootID, roots[1].ID)

	d = newTestDriveSource(t, newFakeDrive(t), DriveConfig{})
	roots, err = d.Roots(context.Background())
	require.NoError(t, err)
	assert.Len(t, roots, 1)
}

func TestDriveSource_ListFollowsPagesAndMapsNodes(t *testing.T) {
	t.Parallel()

	d := newTestDriveSource(t, newFakeDrive(t), DriveConfig{})

	kids, err := d.List(context.Background(), export.Node{ID: DriveRootID, Service: export.ServiceDrive})
	require.NoError(t, err)
	require.Len(t, kids, 4, "form must be skipped")

	byID := make(map[string]export.Node)
	for _, k := range kids {
		byID[k.ID] = k
		assert.Equal(t, DriveRootID, k.ParentID)
	}

	assert.Equal(t, export.KindContainer, byID["f1"].Kind)

	doc := byID["d1"]
	assert.Equal(t, export.KindLeaf, doc.Kind)
	assert.Equal(t, "Plan.docx", doc.Name)
	assert.Equal(t, "v:42", doc.Digest)
	assert.Equal(t, 2024, doc.Modified.Year())

	bin := byID["b1"]
	assert.Equal(t, "md5:5d41402abc4b2a76b9719d911017c592", bin.Digest)
	assert.Equal(t, int64(5), bin.Size)
	assert.Equal(t, export.ServiceDrive, bin.Service)

	sheet := byID["s1"]
	assert.Equal(t, export.ServiceSheets, sheet.Service)
	assert.Equal(t, "Budget.xlsx", sheet.Name)
}

func TestDriveSource_ListHonoursServices(t *testing.T) {
	t.Parallel()

	d := newTestDriveSource(t, newFakeDrive(t), DriveConfig{Services: []export.Service{export.ServiceSheets}})

	kids, err := d.List(context.Background(), export.Node{ID: DriveRootID, Service: export.ServiceDrive})
	require.NoError(t, err)

	var ids []string
	for _, k := range kids {
		ids = append(ids, k.ID)
	}

	assert.ElementsMatch(t, []string{"f1", "s1"}, ids, "folders and spreadsheets only")
}

func TestDriveSource_ListShared(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive(t)
	d := newTestDriveSource(t, fake, DriveConfig{IncludeShared: true})

	kids, err := d.List(context.Background(), export.Node{ID: SharedRootID})
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "shared.txt", kids[0].Name)
	assert.Equal(t, SharedRootID, kids[0].ParentID)
	assert.Contains(t, fake.seenQueries(), "sharedWithMe = true and trashed = false")
}

func TestDriveSource_FetchBinary(t *testing.T) {
	t.Parallel()

	d := newTestDriveSource(t, newFakeDrive(t), DriveConfig{})

	c, err := d.Fetch(context.Background(), export.Node{
		ID: "b1", MimeType: "image/jpeg", Digest: "md5:5d41402abc4b2a76b9719d911017c592",
	})
	require.NoError(t, err)
	defer c.Body.Close()

	data, err := io.ReadAll(c.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", c.MD5)
}

func TestDriveSource_FetchExport(t *testing.T) {
	t.Parallel()

	d := newTestDriveSource(t, newFakeDrive(t), DriveConfig{})

	c, err := d.Fetch(context.Background(), export.Node{ID: "d1", MimeType: MimeDocs, Digest: "v:42"})
	require.NoError(t, err)
	defer c.Body.Close()

	data, err := io.ReadAll(c.Body)
	require.NoError(t, err)
	assert.Equal(t, "DOCX-BYTES", string(data))
	assert.Empty(t, c.MD5)
}

func TestDriveSource_FetchErrorsAreClassified(t *testing.T) {
	t.Parallel()

	d := newTestDriveSource(t, newFakeDrive(t), DriveConfig{})
	ctx := context.Background()

	_, err := d.Fetch(ctx, export.Node{ID: "gone", MimeType: "text/plain", Service: export.ServiceDrive})
	assert.ErrorIs(t, err, export.ErrNotFound)

	_, err = d.Fetch(ctx, export.Node{ID: "rl", MimeType: "text/plain", Service: export.ServiceDrive})
	require.ErrorIs(t, err, export.ErrRateLimited)

	var re *export.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusForbidden, re.StatusCode)

	_, err = d.Fetch(ctx, export.Node{ID: "q1", MimeType: "application/vnd.google-apps.form"})
	assert.ErrorIs(t, err, export.ErrPermanent)
}

func TestDriveSource_ReauthenticateWithoutCredentials(t *testing.T) {
	t.Parallel()

	d := newTestDriveSource(t, newFakeDrive(t), DriveConfig{})
	assert.ErrorIs(t, d.Reauthenticate(context.Background()), export.ErrAuth)
}

func perPageFormats(t *testing.T) *Formats {
	t.Helper()

	f, err := NewFormats(map[string]string{"slides": "png", "sheets": "csv"})
	require.NoError(t, err)

	return f
}

func readContent(t *testing.T, c *export.Content) string {
	t.Helper()

	defer c.Body.Close()

	data, err := io.ReadAll(c.Body)
	require.NoError(t, err)

	return string(data)
}

func TestDriveSource_PresentationAsPNGExportsEverySlide(t *testing.T) {
	t.Parallel()

	d := newTestDriveSource(t, newFakeDrive(t), DriveConfig{Formats: perPageFormats(t)})
	ctx := context.Background()

	kids, err := d.List(ctx, export.Node{ID: "decks", Service: export.ServiceDrive})
	require.NoError(t, err)
	require.Len(t, kids, 2)

	deck := kids[0]
	assert.Equal(t, "p1", deck.ID)
	assert.Equal(t, export.KindContainer, deck.Kind)
	assert.Equal(t, "Deck", deck.Name, "folder named after the presentation")
	assert.Equal(t, export.ServiceSlides, deck.Service)
	assert.Equal(t, export.SizeUnknown, deck.Size)

	slides, err := d.List(ctx, deck)
	require.NoError(t, err)
	require.Len(t, slides, 3)

	for i, s := range slides {
		page := []string{"g1", "g2", "g3"}[i]

		assert.Equal(t, export.KindLeaf, s.Kind)
		assert.Equal(t, "p1/"+page, s.ID)
		assert.Equal(t, "p1", s.ParentID)
		assert.Equal(t, export.ServiceSlides, s.Service)
		assert.Equal(t, "v:7", s.Digest)
		assert.Equal(t, []string{"Slide 01.png", "Slide 02.png", "Slide 03.png"}[i], s.Name)

		c, err := d.Fetch(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, "PNG-"+page, readContent(t, c))
	}
}

func TestDriveSource_SpreadsheetAsCSVExportsEverySheet(t *testing.T) {
	t.Parallel()

	d := newTestDriveSource(t, newFakeDrive(t), DriveConfig{Formats: perPageFormats(t)})
	ctx := context.Background()

	kids, err := d.List(ctx, export.Node{ID: "decks", Service: export.ServiceDrive})
	require.NoError(t, err)

	book := kids[1]
	assert.Equal(t, export.KindContainer, book.Kind)
	assert.Equal(t, "Ledger", book.Name)
	assert.Equal(t, export.ServiceSheets, book.Service)

	sheets, err := d.List(ctx, book)
	require.NoError(t, err)
	require.Len(t, sheets, 2)
	assert.Equal(t, "Q1.csv", sheets[0].Name)
	assert.Equal(t, "s2/0", sheets[0].ID)
	assert.Equal(t, "Totals.csv", sheets[1].Name)
	assert.Equal(t, "s2/771", sheets[1].ID)

	c, err := d.Fetch(ctx, sheets[0])
	require.NoError(t, err)
	assert.Equal(t, "month,amount\njan,10\n", readContent(t, c))

	c, err = d.Fetch(ctx, sheets[1])
	require.NoError(t, err)
	assert.Equal(t, "sum,10,\"note, quoted\"\navg,,\n", readContent(t, c))

	_, err = d.Fetch(ctx, export.Node{ID: "s2/5", MimeType: MimeSheets, Service: export.ServiceSheets})
	assert.ErrorIs(t, err, export.ErrNotFound, "deleted sheet")
}

func TestEncodeValues_TSV(t *testing.T) {
	t.Parallel()

	out, err := encodeValues([][]any{{"a", 1.5}, {nil, "b"}}, '\t')
	require.NoError(t, err)
	assert.Equal(t, "a\t1.5\n\tb\n", string(out))

	assert.Equal(t, "'It''s'", sheetRange("It's"))
}

func TestSplitPartID(t *testing.T) {
	t.Parallel()

	doc, page, ok := splitPartID("p1/g1")
	assert.True(t, ok)
	assert.Equal(t, "p1", doc)
	assert.Equal(t, "g1", page)

	for _, id := range []string{"p1", "/g1", "p1/", DriveRootID, SharedRootID} {
		_, _, ok := splitPartID(id)
		assert.False(t, ok, id)
	}
}

func TestEscapeQuery(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `it\'s`, escapeQuery("it's"))
	assert.Equal(t, `a\\b`, escapeQuery(`a\b`))
}
