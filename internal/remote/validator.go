package remote

import (
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
)

// Entry is one parsed allow-list pattern.
type Entry struct {
	// Raw is the pattern as configured.
	Raw string
	// Host is the uppercased ASCII host the pattern reduces to.
	Host string
}

// ParseEntry reduces an allow-list pattern to its host.
//
// Absolute URIs ("https://images.example.com/") contribute their host.
// Anything else is treated as a partial pattern: leading '.' and '/' are
// stripped and the remainder is rebased onto "http://" before the host is
// taken, so ".example.com", "/example.com" and "example.com" are equivalent.
func ParseEntry(raw string) (Entry, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Entry{}, xerrors.New("empty allow-list entry")
	}

	if u, err := parseAbsolute(s); err == nil {
		return Entry{Raw: raw, Host: normalizeHost(u.Hostname())}, nil
	}

	stripped := strings.TrimLeft(s, "./")
	u, err := url.Parse("http://" + stripped)
	if err != nil {
		return Entry{}, xerrors.Wrapf(err, "allow-list entry %q", raw)
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return Entry{}, xerrors.Newf("allow-list entry %q has no host", raw)
	}
	return Entry{Raw: raw, Host: host}, nil
}

// Validator decides whether a URL may be fetched. It is immutable once built
// and safe for concurrent use.
type Validator struct {
	entries []Entry
}

// NewValidator parses every pattern up front so a bad entry fails here rather
// than during validation. An empty list is valid and rejects everything.
func NewValidator(patterns []string) (*Validator, error) {
	entries := make([]Entry, 0, len(patterns))
	for _, p := range patterns {
		e, err := ParseEntry(p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return &Validator{entries: entries}, nil
}

// Entries returns a copy of the parsed entries in evaluation order.
func (v *Validator) Entries() []Entry {
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Len is the number of configured entries.
func (v *Validator) Len() int { return len(v.entries) }

// Check returns nil when candidateURL is an absolute URI whose host matches an
// entry. Otherwise it returns an *Error of KindMalformedURL or KindForbiddenHost.
func (v *Validator) Check(candidateURL string) error {
	u, err := parseAbsolute(candidateURL)
	if err != nil {
		return newError(KindMalformedURL, candidateURL, err)
	}
	return v.CheckURL(u)
}

// CheckURL is Check for an already parsed URL.
func (v *Validator) CheckURL(u *url.URL) error {
	if u == nil || u.Scheme == "" || u.Hostname() == "" {
		return newError(KindMalformedURL, urlString(u), xerrors.New("not an absolute uri"))
	}
	host := normalizeHost(u.Hostname())
	if v != nil {
		for _, e := range v.entries {
			if MatchHost(host, e.Host) {
				return nil
			}
		}
	}
	return newError(KindForbiddenHost, u.String(), nil)
}

// IsAllowed reports Check(candidateURL) == nil, so malformed input is never allowed.
func (v *Validator) IsAllowed(candidateURL string) bool {
	return v.Check(candidateURL) == nil
}

// MatchHost is the allow-list policy: the candidate matches when it starts or
// ends with the entry host, compared case-insensitively.
//
// This is a plain string prefix/suffix test, not a domain-label match.
// "EXAMPLE.COM" matches "IMAGES.EXAMPLE.COM", "EVILEXAMPLE.COM" and
// "EXAMPLE.COM.EVIL.NET", but not "SUB.EXAMPLE.COM.ATTACKER.NET". Existing
// deployments rely on exactly this behavior.
func MatchHost(candidateHost, entryHost string) bool {
	if entryHost == "" {
		return false
	}
	c := strings.ToUpper(candidateHost)
	e := strings.ToUpper(entryHost)
	return strings.HasPrefix(c, e) || strings.HasSuffix(c, e)
}

// parseAbsolute accepts only URIs with both a scheme and a host.
func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return nil, xerrors.Newf("%q is not an absolute uri", raw)
	}
	return u, nil
}

// normalizeHost converts unicode labels to punycode and uppercases, so both
// spellings of an internationalized host compare equal.
func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if ascii, err := idna.Punycode.ToASCII(host); err == nil {
		host = ascii
	}
	return strings.ToUpper(host)
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}
