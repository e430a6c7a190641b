// Package google adapts Google Drive (including Docs, Sheets and Slides
// exports) and Google Photos to the export engine's RemoteSource interface,
// and handles the OAuth2 login that authorises them.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/ibrasoft/driveclonr/internal/export"
)

// ErrNotLoggedIn is returned when no saved credentials exist.
var ErrNotLoggedIn = errors.New("google: not logged in")

// Drive reports quota exhaustion as 403 with one of these reasons.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":        true,
	"userRateLimitExceeded":    true,
	"quotaExceeded":            true,
	"sharingRateLimitExceeded": true,
}

// remoteError converts an error from a Google API call into an
// export.RemoteError carrying the matching failure class.
func remoteError(svc export.Service, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &export.RemoteError{
			Service:    svc,
			StatusCode: gerr.Code,
			Message:    gerr.Message,
			RetryAfter: parseRetryAfter(gerr.Header.Get("Retry-After"), time.Now()),
			Err:        classifyStatus(gerr.Code, reasons(gerr)),
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return &export.RemoteError{Service: svc, Message: "token refresh rejected: " + rerr.Error(), Err: export.ErrAuth}
	}

	if errors.Is(err, export.ErrAuth) {
		return err
	}

	return &export.RemoteError{Service: svc, Message: err.Error(), Err: fmt.Errorf("%w: %w", export.ErrTransientIO, err)}
}

// statusError builds a RemoteError from a raw HTTP response.
func statusError(svc export.Service, resp *http.Response, body []byte) error {
	return &export.RemoteError{
		Service:    svc,
		StatusCode: resp.StatusCode,
		Message:    string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Err:        classifyStatus(resp.StatusCode, nil),
	}
}

func reasons(gerr *googleapi.Error) []string {
	out := make([]string, 0, len(gerr.Errors))
	for _, item := range gerr.Errors {
		out = append(out, item.Reason)
	}

	return out
}

// classifyStatus maps an HTTP status code and the API's error reasons to a
// failure class sentinel.
func classifyStatus(code int, why []string) error {
	switch code {
	case http.StatusUnauthorized:
		return export.ErrAuth
	case http.StatusNotFound, http.StatusGone:
		return export.ErrNotFound
	case http.StatusTooManyRequests:
		return export.ErrRateLimited
	case http.StatusForbidden:
		for _, r := range why {
			if rateLimitReasons[r] {
				return export.ErrRateLimited
			}
		}

		return export.ErrPermanent
	case http.StatusRequestTimeout:
		return export.ErrTransientIO
	default:
		if code >= http.StatusInternalServerError {
			return export.ErrTransientIO
		}

		return export.ErrPermanent
	}
}

// parseRetryAfter accepts both forms of the Retry-After header: a number of
// seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}

		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}

	return 0
}
