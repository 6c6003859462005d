package allowlist

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/log"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
)

// maxDocumentSize bounds any allow-list document read from disk or S3.
const maxDocumentSize int64 = 1 << 20 // 1MiB

// FileSource reads a YAML allow-list from the local filesystem.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: filepath.Clean(path)}
}

func (s *FileSource) Name() string { return "file" }

// Version is the sha256 of the file contents.
func (s *FileSource) Version(context.Context) (string, error) {
	data, err := s.read()
	if err != nil {
		return "", err
	}
	return cryptoutil.SHA256Hex(data), nil
}

func (s *FileSource) Load(context.Context) (*Document, error) {
	data, err := s.read()
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "allow-list file %s", s.path)
	}
	doc.Version = cryptoutil.SHA256Hex(data)
	return doc, nil
}

func (s *FileSource) read() ([]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open allow-list file %s", s.path)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDocumentSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read allow-list file %s", s.path)
	}
	if int64(len(data)) > maxDocumentSize {
		return nil, xerrors.Newf("allow-list file %s exceeds %d bytes", s.path, maxDocumentSize)
	}
	return data, nil
}

// Events watches the file's directory and signals after any write, create or
// rename touching the file. Watching the directory keeps working across
// editors and config management tools that replace the file atomically.
// The channel is closed when ctx is done.
func (s *FileSource) Events(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Wrap(err, "create fsnotify watcher")
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, xerrors.Wrapf(err, "watch %s", dir)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// coalesce bursts; the watcher reloads whatever is on disk
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.FromContext(ctx).Warn(ctx, "allow-list file watch error", "path", s.path, "error", err)
			}
		}
	}()
	return out, nil
}
