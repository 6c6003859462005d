package allowlist

import (
	"reflect"
	"testing"
)

func TestParseDocument_Mapping(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(`
settings:
  MaxBytes: 2048
  Timeout: 1500
  Protocol: https
hosts:
  - .example.com
  - " https://images.partner.net/ "
  - ""
`))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	wantHosts := []string{".example.com", "https://images.partner.net/"}
	if !reflect.DeepEqual(doc.Hosts, wantHosts) {
		t.Fatalf("Hosts = %q", doc.Hosts)
	}
	wantSettings := map[string]string{"MaxBytes": "2048", "Timeout": "1500", "Protocol": "https"}
	if !reflect.DeepEqual(doc.Settings, wantSettings) {
		t.Fatalf("Settings = %v", doc.Settings)
	}
}

func TestParseDocument_Sequence(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte("- example.com\n- other.org\n"))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if !reflect.DeepEqual(doc.Hosts, []string{"example.com", "other.org"}) {
		t.Fatalf("Hosts = %q", doc.Hosts)
	}
	if doc.Settings != nil {
		t.Fatalf("Settings = %v", doc.Settings)
	}
}

func TestParseDocument_Scalar(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte("example.com, other.org,https://cdn.net/"))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if !reflect.DeepEqual(doc.Hosts, []string{"example.com", "other.org", "https://cdn.net/"}) {
		t.Fatalf("Hosts = %q", doc.Hosts)
	}
}

func TestParseDocument_Empty(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument(nil)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if len(doc.Hosts) != 0 {
		t.Fatalf("Hosts = %q", doc.Hosts)
	}
}

func TestParseDocument_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"hosts: [unclosed", "hosts:\n  key: value\n"} {
		if _, err := ParseDocument([]byte(in)); err == nil {
			t.Fatalf("ParseDocument(%q) should fail", in)
		}
	}
}

func TestSplitHosts(t *testing.T) {
	t.Parallel()

	got := SplitHosts("a.com,b.com\nc.com\t d.com,,")
	want := []string{"a.com", "b.com", "c.com", "d.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitHosts = %q", got)
	}
}
