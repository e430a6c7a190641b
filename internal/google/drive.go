package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
	"google.golang.org/api/slides/v1"

	"github.com/ibrasoft/driveclonr/internal/export"
)

const (
	// DriveRootID is Drive's alias for the signed-in user's My Drive.
	DriveRootID = "root"
	// SharedRootID is a virtual container holding items shared with the user.
	SharedRootID = "shared-with-me"

	listPageSize = 1000
	listFields   = "nextPageToken, files(id, name, mimeType, size, modifiedTime, md5Checksum, version)"

	digestMD5     = "md5:"
	digestVersion = "v:"
)

// DriveConfig configures a DriveSource.
type DriveConfig struct {
	IncludeShared bool
	Formats       *Formats

	// Services limits which files are exported: drive for stored files,
	// sheets and slides for spreadsheets and presentations. Folders are
	// always listed. Empty means all.
	Services []export.Service

	Endpoint string // overrides the API base URL; tests only
}

// DriveSource lists and fetches Google Drive content. Native Docs, Sheets,
// Slides, Drawings and Jamboards are exported to the configured format;
// everything else is downloaded as stored. Spreadsheets and presentations
// in a per-page format are containers whose children are read through the
// Sheets and Slides APIs.
type DriveSource struct {
	svc           *drive.Service
	sheets        *sheets.Service
	slides        *slides.Service
	http          *http.Client
	formats       *Formats
	includeShared bool
	services      map[export.Service]bool
	auth          export.Reauthenticator
	logger        *slog.Logger
}

// NewDriveSource builds a source over an authorised HTTP client. auth may be
// nil, in which case auth failures are not retried.
func NewDriveSource(
	ctx context.Context,
	httpClient *http.Client,
	auth export.Reauthenticator,
	cfg DriveConfig,
	logger *slog.Logger,
) (*DriveSource, error) {
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google: creating drive service: %w", err)
	}

	sheetsSvc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google: creating sheets service: %w", err)
	}

	slidesSvc, err := slides.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google: creating slides service: %w", err)
	}

	formats := cfg.Formats
	if formats == nil {
		if formats, err = NewFormats(nil); err != nil {
			return nil, err
		}
	}

	var services map[export.Service]bool
	if len(cfg.Services) > 0 {
		services = make(map[export.Service]bool, len(cfg.Services))
		for _, s := range cfg.Services {
			services[s] = true
		}
	}

	return &DriveSource{
		svc:           svc,
		sheets:        sheetsSvc,
		slides:        slidesSvc,
		http:          httpClient,
		formats:       formats,
		includeShared: cfg.IncludeShared,
		services:      services,
		auth:          auth,
		logger:        logger,
	}, nil
}

// Roots checks the account is reachable and returns My Drive, plus the
// shared-with-me view when enabled.
func (d *DriveSource) Roots(ctx context.Context) ([]export.Node, error) {
	about, err := d.svc.About.Get().Fields("user(displayName, emailAddress)").Context(ctx).Do()
	if err != nil {
		return nil, remoteError(export.ServiceDrive, err)
	}

	if about.User != nil {
		d.logger.Info("drive account",
			slog.String("user", about.User.DisplayName),
			slog.String("email", about.User.EmailAddress),
		)
	}

	roots := []export.Node{{
		ID:      DriveRootID,
		Service: export.ServiceDrive,
		Kind:    export.KindContainer,
		Name:    "My Drive",
		Size:    export.SizeUnknown,
	}}

	if d.includeShared {
		roots = append(roots, export.Node{
			ID:      SharedRootID,
			Service: export.ServiceDrive,
			Kind:    export.KindContainer,
			Name:    "Shared with me",
			Size:    export.SizeUnknown,
		})
	}

	return roots, nil
}

// List returns the non-trashed children of a folder, following pagination.
// Forms, shortcuts and other native types without an export format are
// skipped. A per-page document lists its sheets or slides.
func (d *DriveSource) List(ctx context.Context, container export.Node) ([]export.Node, error) {
	switch container.MimeType {
	case MimeSheets:
		return d.listSheets(ctx, container)
	case MimeSlides:
		return d.listSlides(ctx, container)
	}

	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(container.ID))
	if container.ID == SharedRootID {
		q = "sharedWithMe = true and trashed = false"
	}

	var (
		out     []export.Node
		skipped int
	)

	call := d.svc.Files.List().
		Q(q).
		Fields(listFields).
		PageSize(listPageSize).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true)

	err := call.Pages(ctx, func(page *drive.FileList) error {
		for _, f := range page.Files {
			n, ok := d.node(f, container.ID)
			if !ok {
				skipped++

				d.logger.Debug("skipping item not exported",
					slog.String("node_id", f.Id),
					slog.String("mime_type", f.MimeType),
				)

				continue
			}

			out = append(out, n)
		}

		return nil
	})
	if err != nil {
		return nil, remoteError(export.ServiceDrive, err)
	}

	d.logger.Debug("listed drive folder",
		slog.String("node_id", container.ID),
		slog.Int("children", len(out)),
		slog.Int("skipped", skipped),
	)

	return out, nil
}

// node maps a Drive file to an export node. It reports false for files
// that are not exported.
func (d *DriveSource) node(f *drive.File, parentID string) (export.Node, bool) {
	n := export.Node{
		ID:       f.Id,
		Service:  export.ServiceDrive,
		ParentID: parentID,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		Modified: parseTime(f.ModifiedTime),
		Kind:     export.KindLeaf,
	}

	switch {
	case f.MimeType == MimeFolder:
		n.Kind = export.KindContainer
		n.Size = export.SizeUnknown

		return n, true
	case IsNative(f.MimeType):
		fm, ok := d.formats.For(f.MimeType)
		if !ok {
			return export.Node{}, false
		}

		n.Size = export.SizeUnknown
		n.Digest = digestVersion + strconv.FormatInt(f.Version, 10)
		n.Service = nativeService(f.MimeType)

		if PerPage(f.MimeType, fm) {
			n.Kind = export.KindContainer
		} else {
			n.Name = exportName(f.Name, fm)
		}

		return n, d.enabled(n.Service)
	case f.Md5Checksum != "":
		n.Digest = digestMD5 + f.Md5Checksum
	default:
		n.Digest = digestVersion + strconv.FormatInt(f.Version, 10)
	}

	return n, d.enabled(n.Service)
}

func (d *DriveSource) enabled(svc export.Service) bool {
	return d.services == nil || d.services[svc]
}

// Fetch opens a leaf: native documents through the export endpoint, single
// sheets and slides through their own APIs, everything else as the stored
// bytes.
func (d *DriveSource) Fetch(ctx context.Context, leaf export.Node) (*export.Content, error) {
	if docID, partID, ok := splitPartID(leaf.ID); ok {
		return d.fetchPart(ctx, leaf, docID, partID)
	}

	if IsNative(leaf.MimeType) {
		fm, ok := d.formats.For(leaf.MimeType)
		if !ok {
			return nil, &export.RemoteError{
				Service: leaf.Service,
				Message: "no export format for " + leaf.MimeType,
				Err:     export.ErrPermanent,
			}
		}

		resp, err := d.svc.Files.Export(leaf.ID, fm.MimeType).Context(ctx).Download()
		if err != nil {
			return nil, remoteError(leaf.Service, err)
		}

		return &export.Content{Body: resp.Body, Size: resp.ContentLength}, nil
	}

	resp, err := d.svc.Files.Get(leaf.ID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, remoteError(leaf.Service, err)
	}

	var sum string
	if s, ok := strings.CutPrefix(leaf.Digest, digestMD5); ok {
		sum = s
	}

	return &export.Content{Body: resp.Body, MD5: sum, Size: resp.ContentLength}, nil
}

// Reauthenticate forces a credential refresh after an auth failure.
func (d *DriveSource) Reauthenticate(ctx context.Context) error {
	if d.auth == nil {
		return export.ErrAuth
	}

	return d.auth.Reauthenticate(ctx)
}

// nativeService tags spreadsheets and presentations with their own service
// so they draw from their own rate budget.
func nativeService(mime string) export.Service {
	switch mime {
	case MimeSheets:
		return export.ServiceSheets
	case MimeSlides:
		return export.ServiceSlides
	default:
		return export.ServiceDrive
	}
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
