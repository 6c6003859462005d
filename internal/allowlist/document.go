package allowlist

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
)

// Document is the on-disk / on-wire allow-list format.
//
//	settings:
//	  MaxBytes: 4194304
//	  Timeout: 30000
//	hosts:
//	  - .example.com
//	  - https://images.partner.net/
//
// A bare YAML sequence of hosts, or a single comma separated string, is also
// accepted.
type Document struct {
	Settings map[string]string `yaml:"-"`
	Hosts    []string          `yaml:"hosts"`

	// Version identifies the revision the source returned; set by the source.
	Version string `yaml:"-"`
}

type rawDocument struct {
	Settings map[string]any `yaml:"settings"`
	Hosts    []string       `yaml:"hosts"`
}

// ParseDocument decodes data into a Document. Host entries are trimmed and
// empty ones dropped; they are not validated here.
func ParseDocument(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, xerrors.Wrap(err, "parse allow-list document")
	}
	if len(root.Content) == 0 {
		return &Document{}, nil
	}
	node := root.Content[0]

	doc := &Document{}
	switch node.Kind {
	case yaml.MappingNode:
		var raw rawDocument
		if err := node.Decode(&raw); err != nil {
			return nil, xerrors.Wrap(err, "decode allow-list document")
		}
		doc.Hosts = raw.Hosts
		if len(raw.Settings) > 0 {
			doc.Settings = make(map[string]string, len(raw.Settings))
			for k, v := range raw.Settings {
				doc.Settings[k] = fmt.Sprint(v)
			}
		}
	case yaml.SequenceNode:
		if err := node.Decode(&doc.Hosts); err != nil {
			return nil, xerrors.Wrap(err, "decode allow-list host list")
		}
	case yaml.ScalarNode:
		doc.Hosts = SplitHosts(node.Value)
	default:
		return nil, xerrors.Newf("unsupported allow-list document (yaml kind %d)", node.Kind)
	}

	doc.Hosts = compact(doc.Hosts)
	return doc, nil
}

// SplitHosts splits a comma or whitespace separated host list.
func SplitHosts(s string) []string {
	return compact(strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\r' || r == '\t'
	}))
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
