package allowlist

import (
	"context"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/remote"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
)

// Loader turns documents from a Source into snapshots. Every Fetcher it
// builds shares one transport, so swapping snapshots does not strand idle
// connections.
type Loader struct {
	src          Source
	baseSettings map[string]string
	fetchOpts    []remote.Option
	transport    *http.Transport
	maxTimeout   time.Duration
}

// NewLoader returns a Loader for src. baseSettings are the fetch settings
// from process configuration; a document's own settings override them key by
// key. fetchOpts are applied to every Fetcher the loader builds.
func NewLoader(src Source, baseSettings map[string]string, fetchOpts ...remote.Option) *Loader {
	return &Loader{
		src:          src,
		baseSettings: baseSettings,
		fetchOpts:    fetchOpts,
		transport:    remote.NewTransport(0),
	}
}

// SetMaxTimeout caps the fetch Timeout a document may configure. Documents
// above the cap are rejected. Zero means no cap beyond remote.TimeoutLimit.
// Call it before the first Load.
func (l *Loader) SetMaxTimeout(d time.Duration) { l.maxTimeout = d }

// CloseIdleConnections drops idle keep-alives held by the shared transport.
func (l *Loader) CloseIdleConnections() { l.transport.CloseIdleConnections() }

func (l *Loader) Source() Source { return l.src }

// Version reports the source's current version token.
func (l *Loader) Version(ctx context.Context) (string, error) {
	return l.src.Version(ctx)
}

// Load reads the source and builds a snapshot. Any malformed host or setting
// rejects the whole document.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	doc, err := l.src.Load(ctx)
	if err != nil {
		return nil, xerrors.Wrapf(err, "load allow-list from %s", l.src.Name())
	}
	return l.Build(doc)
}

// Build validates doc and pairs it with a fetcher.
func (l *Loader) Build(doc *Document) (*Snapshot, error) {
	v, err := remote.NewValidator(doc.Hosts)
	if err != nil {
		return nil, xerrors.Wrap(err, "invalid allow-list entry")
	}

	settings := make(map[string]string, len(l.baseSettings)+len(doc.Settings))
	maps.Copy(settings, l.baseSettings)
	mergeSettings(settings, doc.Settings)

	cfg, err := remote.ParseSettings(settings)
	if err != nil {
		return nil, xerrors.Wrap(err, "invalid fetch settings")
	}
	if l.maxTimeout > 0 && cfg.Timeout > l.maxTimeout {
		return nil, xerrors.Newf("fetch timeout %s exceeds the %s maximum", cfg.Timeout, l.maxTimeout)
	}

	opts := make([]remote.Option, 0, len(l.fetchOpts)+2)
	opts = append(opts, remote.WithTransport(l.transport))
	opts = append(opts, l.fetchOpts...)
	opts = append(opts, remote.WithRedirectCheck(v.CheckURL))
	f, err := remote.NewFetcher(cfg, opts...)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Validator: v,
		Fetcher:   f,
		Config:    cfg,
		Version:   doc.Version,
		Source:    l.src.Name(),
		LoadedAt:  time.Now().UTC(),
	}, nil
}

// mergeSettings overlays src on dst. Keys are matched case-insensitively so
// "timeout" in a document replaces "Timeout" from flags.
func mergeSettings(dst, src map[string]string) {
	for k, v := range src {
		for existing := range dst {
			if strings.EqualFold(existing, k) {
				delete(dst, existing)
			}
		}
		dst[k] = v
	}
}
