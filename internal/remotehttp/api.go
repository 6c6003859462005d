// Package remotehttp exposes the fetcher over HTTP: GET {prefix}/<url>
// validates <url> against the active allow-list, fetches it and returns the
// bytes untouched.
package remotehttp

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/allowlist"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/log"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/remote"
)

// SnapshotProvider is satisfied by *allowlist.Manager.
type SnapshotProvider interface {
	Get() (*allowlist.Snapshot, bool)
}

type API struct {
	snapshots SnapshotProvider
	prefix    string
}

// New serves fetches under prefix ("/remote") using whatever snapshot is
// active when each request arrives.
func New(snapshots SnapshotProvider, prefix string) *API {
	return &API{snapshots: snapshots, prefix: strings.TrimSuffix(prefix, "/")}
}

func (a *API) RegisterRoutes(r chi.Router) {
	r.Get(a.prefix+"/*", a.handleFetch)
	r.Head(a.prefix+"/*", a.handleFetch)
}

func (a *API) handleFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)
	span := trace.SpanFromContext(ctx)

	snap, ok := a.snapshots.Get()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "allowlist_not_loaded")
		L.Warn(ctx, "remote fetch before allow-list loaded")
		return
	}

	candidate, err := Candidate(a.remainder(r), snap.Config.Protocol)
	if err == nil {
		err = snap.Validator.Check(candidate)
	}
	if err == nil {
		var body []byte
		body, err = snap.Fetcher.FetchString(ctx, candidate)
		if err == nil {
			span.SetAttributes(attribute.String("remote.outcome", "ok"))
			writeBody(w, r, body)
			return
		}
	}

	kind := remote.KindOf(err)
	status := remote.HTTPStatus(err)
	span.SetAttributes(
		attribute.String("remote.outcome", kind.String()),
		attribute.String("allowlist.version", snap.Version),
	)
	kv := []any{"kind", kind.String(), "status", status, "candidate", candidate, "allowlist_version", snap.Version}
	switch kind {
	case remote.KindMalformedURL, remote.KindForbiddenHost:
		L.Info(ctx, "remote fetch rejected", kv...)
	case 0:
		L.Error(ctx, err, "remote fetch failed", kv...)
	default:
		L.Warn(ctx, "remote fetch failed", append(kv, "err", err.Error())...)
	}
	writeError(w, status, kind.String())
}

// remainder is the path after the prefix as the client sent it. The router's
// wildcard is built from the decoded path, which would turn "%3F" into a query
// and "%2F" into a path separator.
func (a *API) remainder(r *http.Request) string {
	if rest, ok := strings.CutPrefix(r.URL.EscapedPath(), a.prefix+"/"); ok {
		return rest
	}
	return chi.URLParam(r, "*")
}

// Candidate turns the path remainder into an absolute URL. A remainder that
// carries no scheme is rebased onto protocol. A remainder that is one
// percent-encoded URL ("https%3A%2F%2F...") is decoded first; any other
// escapes stay as they are so they reach the remote host unchanged.
func Candidate(remainder, protocol string) (string, error) {
	s := remainder
	if hasEncodedScheme(s) {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return s, &remote.Error{Kind: remote.KindMalformedURL, URL: remainder, Err: err}
		}
		s = dec
	}
	s = strings.TrimLeft(s, "/")
	if s == "" {
		return "", &remote.Error{Kind: remote.KindMalformedURL, URL: remainder}
	}

	if i := strings.Index(s, ":/"); i > 0 && !strings.Contains(s[:i], "/") {
		// proxies commonly merge the slashes of an embedded "https://"
		rest := strings.TrimLeft(s[i+1:], "/")
		return s[:i] + "://" + rest, nil
	}
	if protocol == "" {
		protocol = remote.DefaultProtocol
	}
	return protocol + "://" + s, nil
}

func hasEncodedScheme(s string) bool {
	s = strings.ToLower(strings.TrimLeft(s, "/"))
	return strings.HasPrefix(s, "http%3a") || strings.HasPrefix(s, "https%3a")
}

func writeBody(w http.ResponseWriter, r *http.Request, body []byte) {
	h := w.Header()
	h.Set("Content-Type", http.DetectContentType(body))
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
