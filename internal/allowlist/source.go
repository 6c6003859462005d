package allowlist

import (
	"context"
	"slices"
	"strings"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/cryptoutil"
)

// Source supplies allow-list documents.
type Source interface {
	// Name is a short label for logs and metrics.
	Name() string
	// Version returns a token that changes whenever Load would return
	// different content. It should be cheap to call.
	Version(ctx context.Context) (string, error)
	Load(ctx context.Context) (*Document, error)
}

// StaticSource serves a fixed document, typically from flags.
type StaticSource struct {
	doc     Document
	version string
}

func NewStaticSource(hosts []string, settings map[string]string) *StaticSource {
	hosts = compact(slices.Clone(hosts))
	return &StaticSource{
		doc:     Document{Hosts: hosts, Settings: settings},
		version: cryptoutil.SHA256Hex([]byte(strings.Join(hosts, "\n"))),
	}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Version(context.Context) (string, error) { return s.version, nil }

func (s *StaticSource) Load(context.Context) (*Document, error) {
	doc := s.doc
	doc.Hosts = slices.Clone(s.doc.Hosts)
	doc.Version = s.version
	return &doc, nil
}
