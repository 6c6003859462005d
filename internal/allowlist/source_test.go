package allowlist

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

func TestStaticSource(t *testing.T) {
	t.Parallel()

	src := NewStaticSource([]string{"example.com", " ", "other.org"}, map[string]string{"Timeout": "100"})
	v1, _ := src.Version(context.Background())
	doc, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Hosts) != 2 || doc.Version != v1 || doc.Settings["Timeout"] != "100" {
		t.Fatalf("doc = %+v", doc)
	}
	doc.Hosts[0] = "mutated"
	again, _ := src.Load(context.Background())
	if again.Hosts[0] != "example.com" {
		t.Fatal("Load exposed internal slice")
	}
}

func TestFileSource_LoadAndVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "allowlist.yaml")
	if err := os.WriteFile(path, []byte("hosts:\n  - example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(path)

	v1, err := src.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	doc, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Version != v1 || len(doc.Hosts) != 1 {
		t.Fatalf("doc = %+v", doc)
	}

	if err := os.WriteFile(path, []byte("hosts:\n  - other.org\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	v2, _ := src.Version(context.Background())
	if v2 == v1 {
		t.Fatal("version did not change with content")
	}
}

func TestFileSource_Missing(t *testing.T) {
	t.Parallel()

	src := NewFileSource(filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := src.Version(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileSource_TooLarge(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "big.yaml")
	if err := os.WriteFile(path, bytes.Repeat([]byte("a"), int(maxDocumentSize)+1), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileSource(path).Load(context.Background()); err == nil {
		t.Fatal("expected size error")
	}
}

func TestFileSource_Events(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.yaml")
	if err := os.WriteFile(path, []byte("- example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := NewFileSource(path).Events(ctx)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	// unrelated files in the same directory are ignored
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("- other.org\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no event after write")
	}

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed after cancel")
		}
	}
}

type fakeSSM struct {
	value   string
	version int64
	err     error
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{
		Name:    in.Name,
		Value:   aws.String(f.value),
		Version: f.version,
		Type:    ssmtypes.ParameterTypeStringList,
	}}, nil
}

func TestSSMSource(t *testing.T) {
	t.Parallel()

	fake := &fakeSSM{value: "example.com,.partner.net", version: 7}
	src := NewSSMSource(fake, "/imgfetch/allowlist")

	v, err := src.Version(context.Background())
	if err != nil || v != "7" {
		t.Fatalf("Version = %q, %v", v, err)
	}
	doc, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Hosts) != 2 || doc.Hosts[1] != ".partner.net" || doc.Version != "7" {
		t.Fatalf("doc = %+v", doc)
	}

	fake.err = errors.New("throttled")
	if _, err := src.Version(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

type fakeS3 struct {
	objects map[string][]byte
	etag    string
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{ETag: aws.String(`"` + f.etag + `"`)}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(`"` + f.etag + `"`),
	}, nil
}

type fakeVerifier struct{ want []byte }

func (f fakeVerifier) VerifySignature(_ context.Context, message, sig []byte) error {
	if !bytes.Equal(sig, f.want) {
		return errors.New("bad signature")
	}
	if len(message) == 0 {
		return errors.New("empty message")
	}
	return nil
}

func TestS3Source_Unsigned(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{etag: "abc123", objects: map[string][]byte{
		"config/allowlist.yaml": []byte("hosts: [example.com]\n"),
	}}
	src := NewS3Source(fake, "bucket", "config/allowlist.yaml", nil)

	v, err := src.Version(context.Background())
	if err != nil || v != "abc123" {
		t.Fatalf("Version = %q, %v", v, err)
	}
	doc, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Version != "abc123" || len(doc.Hosts) != 1 {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestS3Source_Signed(t *testing.T) {
	t.Parallel()

	sig := []byte{1, 2, 3, 4}
	fake := &fakeS3{etag: "e", objects: map[string][]byte{
		"allowlist.yaml":     []byte("- example.com\n"),
		"allowlist.yaml.sig": []byte(base64.StdEncoding.EncodeToString(sig) + "\n"),
	}}

	if _, err := NewS3Source(fake, "b", "allowlist.yaml", fakeVerifier{want: sig}).Load(context.Background()); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if _, err := NewS3Source(fake, "b", "allowlist.yaml", fakeVerifier{want: []byte{9}}).Load(context.Background()); err == nil {
		t.Fatal("bad signature accepted")
	}

	delete(fake.objects, "allowlist.yaml.sig")
	if _, err := NewS3Source(fake, "b", "allowlist.yaml", fakeVerifier{want: sig}).Load(context.Background()); err == nil {
		t.Fatal("missing signature accepted")
	}
}

func TestS3Source_TooLarge(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{etag: "e", objects: map[string][]byte{
		"big.yaml": bytes.Repeat([]byte("a"), int(maxDocumentSize)+1),
	}}
	if _, err := NewS3Source(fake, "b", "big.yaml", nil).Load(context.Background()); err == nil {
		t.Fatal("oversized object accepted")
	}
}
