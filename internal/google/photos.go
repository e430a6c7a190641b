package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ibrasoft/driveclonr/internal/export"
)

const (
	// PhotosBaseURL is the Photos Library API endpoint.
	PhotosBaseURL = "https://photoslibrary.googleapis.com/v1"

	photosRootID  = "photos"
	albumsID      = "photos:albums"
	libraryID     = "photos:library"
	albumIDPrefix = "album:"

	albumPageSize = 50
	mediaPageSize = 100
	maxErrorBody  = 4096
	userAgent     = "driveclonr/0.1"
)

// photosClient is a thin JSON client for the Photos Library REST API. It
// makes exactly one attempt per call; retries belong to the worker pool.
type photosClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// do sends a request and decodes a JSON response into out. in, when
// non-nil, is sent as the JSON body.
func (c *photosClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("google: encoding %s body: %w", path, err)
		}

		body = bytes.NewReader(data)
	}

	resp, err := c.send(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &export.RemoteError{
			Service: export.ServicePhotos,
			Message: "decoding " + path + ": " + err.Error(),
			Err:     export.ErrTransientIO,
		}
	}

	return nil
}

// send executes one request against an absolute URL.
func (c *photosClient) send(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	return sendRequest(ctx, c.httpClient, export.ServicePhotos, c.logger, method, rawURL, body)
}

// sendRequest executes one request for svc. Non-2xx responses are drained
// and returned as classified errors; on success the caller closes the body.
func sendRequest(
	ctx context.Context,
	httpClient *http.Client,
	svc export.Service,
	logger *slog.Logger,
	method, rawURL string,
	body io.Reader,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("google: creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, remoteError(svc, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("url", redactURL(rawURL)),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	return nil, statusError(svc, resp, errBody)
}

// redactURL drops the query string, which for media downloads is a
// short-lived capability.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.RawQuery = ""

	return u.String()
}

type album struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type albumPage struct {
	Albums        []album `json:"albums"`
	NextPageToken string  `json:"nextPageToken"`
}

type mediaItem struct {
	ID            string `json:"id"`
	Filename      string `json:"filename"`
	MimeType      string `json:"mimeType"`
	BaseURL       string `json:"baseUrl"`
	MediaMetadata struct {
		CreationTime string          `json:"creationTime"`
		Video        json.RawMessage `json:"video,omitempty"`
	} `json:"mediaMetadata"`
}

func (m *mediaItem) isVideo() bool {
	return len(m.MediaMetadata.Video) > 0 || strings.HasPrefix(m.MimeType, "video/")
}

type mediaPage struct {
	MediaItems    []mediaItem `json:"mediaItems"`
	NextPageToken string      `json:"nextPageToken"`
}

type searchRequest struct {
	AlbumID   string `json:"albumId"`
	PageSize  int    `json:"pageSize"`
	PageToken string `json:"pageToken,omitempty"`
}

// PhotosSource exports Google Photos. The tree it presents is
// "Google Photos/Albums/<album>/<item>" plus "Google Photos/Library/<item>"
// for the whole library. An item that appears in several albums is exported
// once per album.
type PhotosSource struct {
	client *photosClient
	auth   export.Reauthenticator
	logger *slog.Logger
}

// NewPhotosSource builds a source over an authorised HTTP client. An empty
// baseURL selects PhotosBaseURL.
func NewPhotosSource(httpClient *http.Client, baseURL string, auth export.Reauthenticator, logger *slog.Logger) *PhotosSource {
	if baseURL == "" {
		baseURL = PhotosBaseURL
	}

	return &PhotosSource{
		client: &photosClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient, logger: logger},
		auth:   auth,
		logger: logger,
	}
}

// Roots returns the single Google Photos root.
func (p *PhotosSource) Roots(context.Context) ([]export.Node, error) {
	return []export.Node{p.container(photosRootID, "", "Google Photos")}, nil
}

// List expands the fixed Albums and Library containers, the album list,
// and the media items of one album or the library.
func (p *PhotosSource) List(ctx context.Context, container export.Node) ([]export.Node, error) {
	switch {
	case container.ID == photosRootID:
		return []export.Node{
			p.container(albumsID, photosRootID, "Albums"),
			p.container(libraryID, photosRootID, "Library"),
		}, nil
	case container.ID == albumsID:
		return p.listAlbums(ctx)
	case container.ID == libraryID:
		return p.listMedia(ctx, container.ID, func(token string) (string, any) {
			q := url.Values{"pageSize": {fmt.Sprint(mediaPageSize)}}
			if token != "" {
				q.Set("pageToken", token)
			}

			return "/mediaItems?" + q.Encode(), nil
		})
	case strings.HasPrefix(container.ID, albumIDPrefix):
		albumID := strings.TrimPrefix(container.ID, albumIDPrefix)

		return p.listMedia(ctx, container.ID, func(token string) (string, any) {
			return "/mediaItems:search", searchRequest{AlbumID: albumID, PageSize: mediaPageSize, PageToken: token}
		})
	default:
		return nil, &export.RemoteError{
			Service: export.ServicePhotos,
			Message: "unknown photos container " + container.ID,
			Err:     export.ErrPermanent,
		}
	}
}

func (p *PhotosSource) listAlbums(ctx context.Context) ([]export.Node, error) {
	var (
		out   []export.Node
		token string
	)

	for {
		q := url.Values{"pageSize": {fmt.Sprint(albumPageSize)}}
		if token != "" {
			q.Set("pageToken", token)
		}

		var page albumPage
		if err := p.client.do(ctx, http.MethodGet, "/albums?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}

		for _, a := range page.Albums {
			title := a.Title
			if title == "" {
				title = "Untitled album"
			}

			out = append(out, p.container(albumIDPrefix+a.ID, albumsID, title))
		}

		if page.NextPageToken == "" {
			return out, nil
		}

		token = page.NextPageToken
	}
}

// listMedia pages through media items. request returns the path and, for
// POST searches, the body for a page token.
func (p *PhotosSource) listMedia(
	ctx context.Context,
	parentID string,
	request func(token string) (string, any),
) ([]export.Node, error) {
	var (
		out   []export.Node
		token string
	)

	for {
		path, body := request(token)

		method := http.MethodGet
		if body != nil {
			method = http.MethodPost
		}

		var page mediaPage
		if err := p.client.do(ctx, method, path, body, &page); err != nil {
			return nil, err
		}

		for i := range page.MediaItems {
			out = append(out, p.leaf(&page.MediaItems[i], parentID))
		}

		if page.NextPageToken == "" {
			return out, nil
		}

		token = page.NextPageToken
	}
}

// Fetch looks the item up again for a fresh base URL, since base URLs
// expire after about an hour, then downloads the original bytes.
func (p *PhotosSource) Fetch(ctx context.Context, leaf export.Node) (*export.Content, error) {
	id := mediaID(leaf.ID)

	var item mediaItem
	if err := p.client.do(ctx, http.MethodGet, "/mediaItems/"+url.PathEscape(id), nil, &item); err != nil {
		return nil, err
	}

	if item.BaseURL == "" {
		return nil, &export.RemoteError{
			Service: export.ServicePhotos,
			Message: "media item " + id + " has no download URL",
			Err:     export.ErrPermanent,
		}
	}

	suffix := "=d"
	if item.isVideo() {
		suffix = "=dv"
	}

	resp, err := p.client.send(ctx, http.MethodGet, item.BaseURL+suffix, nil)
	if err != nil {
		return nil, err
	}

	return &export.Content{
		Body:     resp.Body,
		Size:     resp.ContentLength,
		Modified: parseTime(item.MediaMetadata.CreationTime),
	}, nil
}

// Reauthenticate forces a credential refresh after an auth failure.
func (p *PhotosSource) Reauthenticate(ctx context.Context) error {
	if p.auth == nil {
		return export.ErrAuth
	}

	return p.auth.Reauthenticate(ctx)
}

func (p *PhotosSource) container(id, parentID, name string) export.Node {
	return export.Node{
		ID:       id,
		Service:  export.ServicePhotos,
		Kind:     export.KindContainer,
		ParentID: parentID,
		Name:     name,
		Size:     export.SizeUnknown,
	}
}

// leaf scopes the media item id by its container so an item listed in
// several albums yields one node per album.
func (p *PhotosSource) leaf(m *mediaItem, parentID string) export.Node {
	return export.Node{
		ID:       parentID + "/" + m.ID,
		Service:  export.ServicePhotos,
		Kind:     export.KindLeaf,
		ParentID: parentID,
		Name:     m.Filename,
		MimeType: m.MimeType,
		Size:     export.SizeUnknown,
		Modified: parseTime(m.MediaMetadata.CreationTime),
	}
}

// mediaID strips the container scope from a leaf node id.
func mediaID(nodeID string) string {
	if i := strings.LastIndexByte(nodeID, '/'); i >= 0 {
		return nodeID[i+1:]
	}

	return nodeID
}
