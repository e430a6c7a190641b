package google

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ibrasoft/driveclonr/internal/export"
)

const (
	// partSep joins a document ID and a sheet or slide ID into a node ID.
	// Drive file IDs never contain it.
	partSep = "/"

	sheetFields   = "sheets(properties(sheetId,title))"
	slideFields   = "slides(objectId)"
	thumbnailMIME = "PNG"
	thumbnailSize = "LARGE"
)

func partID(docID, pageID string) string {
	return docID + partSep + pageID
}

func splitPartID(id string) (string, string, bool) {
	docID, pageID, ok := strings.Cut(id, partSep)
	if !ok || docID == "" || pageID == "" {
		return "", "", false
	}

	return docID, pageID, true
}

// part builds the leaf for one sheet or slide of doc.
func part(doc export.Node, pageID, name string) export.Node {
	return export.Node{
		ID:       partID(doc.ID, pageID),
		Service:  doc.Service,
		Kind:     export.KindLeaf,
		ParentID: doc.ID,
		Name:     name,
		MimeType: doc.MimeType,
		Size:     export.SizeUnknown,
		Modified: doc.Modified,
		Digest:   doc.Digest,
	}
}

func (d *DriveSource) listSheets(ctx context.Context, doc export.Node) ([]export.Node, error) {
	fm, _ := d.formats.For(MimeSheets)

	ss, err := d.sheets.Spreadsheets.Get(doc.ID).Fields(sheetFields).Context(ctx).Do()
	if err != nil {
		return nil, remoteError(export.ServiceSheets, err)
	}

	out := make([]export.Node, 0, len(ss.Sheets))

	for _, sh := range ss.Sheets {
		if sh.Properties == nil {
			continue
		}

		id := strconv.FormatInt(sh.Properties.SheetId, 10)
		out = append(out, part(doc, id, exportName(sh.Properties.Title, fm)))
	}

	d.logger.Debug("listed spreadsheet",
		slog.String("node_id", doc.ID),
		slog.Int("sheets", len(out)),
	)

	return out, nil
}

func (d *DriveSource) listSlides(ctx context.Context, doc export.Node) ([]export.Node, error) {
	fm, _ := d.formats.For(MimeSlides)

	p, err := d.slides.Presentations.Get(doc.ID).Fields(slideFields).Context(ctx).Do()
	if err != nil {
		return nil, remoteError(export.ServiceSlides, err)
	}

	out := make([]export.Node, 0, len(p.Slides))

	for i, page := range p.Slides {
		out = append(out, part(doc, page.ObjectId, fmt.Sprintf("Slide %02d%s", i+1, fm.Ext)))
	}

	d.logger.Debug("listed presentation",
		slog.String("node_id", doc.ID),
		slog.Int("slides", len(out)),
	)

	return out, nil
}

func (d *DriveSource) fetchPart(ctx context.Context, leaf export.Node, docID, pageID string) (*export.Content, error) {
	switch leaf.MimeType {
	case MimeSheets:
		return d.fetchSheet(ctx, docID, pageID)
	case MimeSlides:
		return d.fetchSlide(ctx, docID, pageID)
	default:
		return nil, &export.RemoteError{
			Service: leaf.Service,
			Message: "no per-page export for " + leaf.MimeType,
			Err:     export.ErrPermanent,
		}
	}
}

// fetchSheet reads one sheet's formatted values and encodes them as CSV or
// TSV. The sheet is looked up by ID so a renamed sheet still resolves.
func (d *DriveSource) fetchSheet(ctx context.Context, docID, sheetID string) (*export.Content, error) {
	ss, err := d.sheets.Spreadsheets.Get(docID).Fields(sheetFields).Context(ctx).Do()
	if err != nil {
		return nil, remoteError(export.ServiceSheets, err)
	}

	title := ""
	found := false

	for _, sh := range ss.Sheets {
		if sh.Properties != nil && strconv.FormatInt(sh.Properties.SheetId, 10) == sheetID {
			title = sh.Properties.Title
			found = true

			break
		}
	}

	if !found {
		return nil, &export.RemoteError{
			Service: export.ServiceSheets,
			Message: fmt.Sprintf("sheet %s no longer in spreadsheet %s", sheetID, docID),
			Err:     export.ErrNotFound,
		}
	}

	vr, err := d.sheets.Spreadsheets.Values.Get(docID, sheetRange(title)).Context(ctx).Do()
	if err != nil {
		return nil, remoteError(export.ServiceSheets, err)
	}

	fm, _ := d.formats.For(MimeSheets)

	comma := ','
	if fm.Name == "tsv" {
		comma = '\t'
	}

	body, err := encodeValues(vr.Values, comma)
	if err != nil {
		return nil, fmt.Errorf("google: encoding sheet %s: %w: %w", title, export.ErrPermanent, err)
	}

	return &export.Content{Body: io.NopCloser(bytes.NewReader(body)), Size: int64(len(body))}, nil
}

// fetchSlide renders one slide through the thumbnail endpoint and opens
// the rendered image.
func (d *DriveSource) fetchSlide(ctx context.Context, docID, pageID string) (*export.Content, error) {
	thumb, err := d.slides.Presentations.Pages.GetThumbnail(docID, pageID).
		ThumbnailPropertiesMimeType(thumbnailMIME).
		ThumbnailPropertiesThumbnailSize(thumbnailSize).
		Context(ctx).
		Do()
	if err != nil {
		return nil, remoteError(export.ServiceSlides, err)
	}

	if thumb.ContentUrl == "" {
		return nil, &export.RemoteError{
			Service: export.ServiceSlides,
			Message: "slide " + pageID + " has no rendered image",
			Err:     export.ErrTransientIO,
		}
	}

	resp, err := sendRequest(ctx, d.http, export.ServiceSlides, d.logger, http.MethodGet, thumb.ContentUrl, nil)
	if err != nil {
		return nil, err
	}

	return &export.Content{Body: resp.Body, Size: resp.ContentLength}, nil
}

// sheetRange is the A1 range covering a whole sheet.
func sheetRange(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

// encodeValues writes rows as delimited text, padding short rows since the
// API drops trailing empty cells.
func encodeValues(rows [][]any, comma rune) ([]byte, error) {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}

	var buf bytes.Buffer

	w := csv.NewWriter(&buf)
	w.Comma = comma

	record := make([]string, width)

	for _, r := range rows {
		for i := range record {
			record[i] = ""
			if i < len(r) && r[i] != nil {
				record[i] = fmt.Sprint(r[i])
			}
		}

		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
