package google

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Google-native MIME types.
const (
	MimeFolder   = "application/vnd.google-apps.folder"
	MimeDocs     = "application/vnd.google-apps.document"
	MimeSheets   = "application/vnd.google-apps.spreadsheet"
	MimeSlides   = "application/vnd.google-apps.presentation"
	MimeDrawings = "application/vnd.google-apps.drawing"
	MimeJamboard = "application/vnd.google-apps.jam"

	nativePrefix = "application/vnd.google-apps."
)

// Format is a file type a Google-native document can be exported to.
type Format struct {
	Name     string `json:"name"` // short key used in config, e.g. "docx"
	Label    string `json:"label"`
	MimeType string `json:"mime_type"`
	Ext      string `json:"ext"`
}

var formatTable = map[string]Format{
	"docx": {"docx", "Microsoft Word (.docx)", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", ".docx"},
	"xlsx": {"xlsx", "Microsoft Excel (.xlsx)", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx"},
	"pptx": {"pptx", "Microsoft PowerPoint (.pptx)", "application/vnd.openxmlformats-officedocument.presentationml.presentation", ".pptx"},
	"odt":  {"odt", "OpenDocument Text (.odt)", "application/vnd.oasis.opendocument.text", ".odt"},
	"ods":  {"ods", "OpenDocument Spreadsheet (.ods)", "application/vnd.oasis.opendocument.spreadsheet", ".ods"},
	"odp":  {"odp", "OpenDocument Presentation (.odp)", "application/vnd.oasis.opendocument.presentation", ".odp"},
	"pdf":  {"pdf", "PDF (.pdf)", "application/pdf", ".pdf"},
	"png":  {"png", "PNG Image (.png)", "image/png", ".png"},
	"jpeg": {"jpeg", "JPEG Image (.jpg)", "image/jpeg", ".jpg"},
	"svg":  {"svg", "SVG Vector (.svg)", "image/svg+xml", ".svg"},
	"txt":  {"txt", "Plain Text (.txt)", "text/plain", ".txt"},
	"html": {"html", "HTML (.html)", "text/html", ".html"},
	"csv":  {"csv", "CSV (.csv)", "text/csv", ".csv"},
	"tsv":  {"tsv", "TSV (.tsv)", "text/tab-separated-values", ".tsv"},
	"md":   {"md", "Markdown (.md)", "text/markdown", ".md"},
	"zip":  {"zip", "Zipped HTML (.zip)", "application/zip", ".zip"},
	"epub": {"epub", "EPUB (.epub)", "application/epub+zip", ".epub"},
}

// nativeChoices lists the formats Drive can export each native type to.
// The first entry is the default.
var nativeChoices = map[string][]string{
	MimeDocs:     {"docx", "odt", "pdf", "md", "txt", "html", "zip", "epub"},
	MimeSheets:   {"xlsx", "ods", "pdf", "csv", "tsv", "html", "zip"},
	MimeSlides:   {"pptx", "odp", "pdf", "png", "txt"},
	MimeDrawings: {"png", "jpeg", "svg", "pdf"},
	MimeJamboard: {"pdf"},
}

// pageFormats hold a single page. Drive's export endpoint returns only the
// first slide or sheet for them, so multi-page documents are exported one
// file per slide or sheet instead.
var pageFormats = map[string]bool{"csv": true, "tsv": true, "png": true}

// nativeAliases lets config files say "docs" instead of the full MIME type.
var nativeAliases = map[string]string{
	"docs":     MimeDocs,
	"document": MimeDocs,
	"sheets":   MimeSheets,
	"slides":   MimeSlides,
	"drawings": MimeDrawings,
	"jamboard": MimeJamboard,
}

// IsNative reports whether mime is a Google Workspace type that has no
// binary content of its own.
func IsNative(mime string) bool {
	return strings.HasPrefix(mime, nativePrefix)
}

// NativeTypes returns the exportable native MIME types in sorted order.
func NativeTypes() []string {
	out := make([]string, 0, len(nativeChoices))
	for m := range nativeChoices {
		out = append(out, m)
	}

	sort.Strings(out)

	return out
}

// Choices returns the formats mime can be exported to, default first.
func Choices(mime string) []Format {
	names := nativeChoices[mime]
	out := make([]Format, 0, len(names))

	for _, n := range names {
		out = append(out, formatTable[n])
	}

	return out
}

// Formats resolves the export format for each native type.
type Formats struct {
	byMime map[string]Format
}

// NewFormats applies overrides (keyed by native MIME type or alias, valued
// by format name) on top of the defaults.
func NewFormats(overrides map[string]string) (*Formats, error) {
	f := &Formats{byMime: make(map[string]Format, len(nativeChoices))}

	for mime, names := range nativeChoices {
		f.byMime[mime] = formatTable[names[0]]
	}

	for key, name := range overrides {
		mime := key
		if full, ok := nativeAliases[strings.ToLower(key)]; ok {
			mime = full
		}

		names, ok := nativeChoices[mime]
		if !ok {
			return nil, fmt.Errorf("google: %q is not an exportable Google type", key)
		}

		name = strings.ToLower(strings.TrimPrefix(name, "."))
		if !slices.Contains(names, name) {
			return nil, fmt.Errorf("google: %s cannot be exported as %q (choose one of %s)",
				key, name, strings.Join(names, ", "))
		}

		f.byMime[mime] = formatTable[name]
	}

	return f, nil
}

// For returns the export format for a native MIME type. ok is false for
// native types Drive cannot export, such as forms and shortcuts.
func (f *Formats) For(mime string) (Format, bool) {
	fm, ok := f.byMime[mime]
	return fm, ok
}

// PerPage reports whether mime exported as fm becomes a folder with one file
// per slide or sheet.
func PerPage(mime string, fm Format) bool {
	return (mime == MimeSheets || mime == MimeSlides) && pageFormats[fm.Name]
}

// exportName appends the format's extension to name unless it is already
// there.
func exportName(name string, fm Format) string {
	if strings.HasSuffix(strings.ToLower(name), fm.Ext) {
		return name
	}

	return name + fm.Ext
}
