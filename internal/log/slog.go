package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type slogLogger struct {
	h        slog.Handler
	attrs    []slog.Attr
	links    bool
	maxLinks int
	stackLvl slog.Level
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	hopts := &slog.HandlerOptions{Level: opts.Level, AddSource: true}

	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}

	stackLvl := opts.StacktraceLevel
	if stackLvl == 0 {
		stackLvl = slog.LevelError
	}
	maxLinks := opts.MaxErrorLinks
	if maxLinks <= 0 {
		maxLinks = 8
	}

	attrs := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}
	return &slogLogger{
		h:        h,
		attrs:    attrs,
		links:    opts.IncludeErrorLinks,
		maxLinks: maxLinks,
		stackLvl: stackLvl,
	}, nil
}

func (s *slogLogger) With(kv ...any) Logger {
	next := make([]slog.Attr, len(s.attrs), len(s.attrs)+len(kv)/2)
	copy(next, s.attrs)
	next = appendKV(next, kv)
	cp := *s
	cp.attrs = next
	return &cp
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, nil, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, nil, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, nil, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	s.emit(ctx, slog.LevelError, err, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, err error, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}

	// skip runtime.Callers, emit, and the exported level method
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(appendKV(nil, kv)...)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	if err != nil {
		r.AddAttrs(
			slog.String("err", err.Error()),
			slog.String("error_type", fmt.Sprintf("%T", rootCause(err))),
		)
		if s.links {
			r.AddAttrs(slog.Any("error_links", errorLinks(err, s.maxLinks)))
		}
	}
	if lvl >= s.stackLvl {
		if pcs := stackOf(err); len(pcs) > 0 {
			r.AddAttrs(slog.String("stack", renderFrames(pcs)))
		}
	}

	_ = s.h.Handle(ctx, r)
}

func appendKV(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func stackOf(err error) []uintptr {
	var hs interface{ StackPCs() []uintptr }
	if err != nil && errors.As(err, &hs) {
		return hs.StackPCs()
	}
	return nil
}

// errorLinks renders each layer of the chain with the position that added it,
// when the layer recorded one.
func errorLinks(err error, limit int) []map[string]any {
	links := make([]map[string]any, 0, 4)
	for e := err; e != nil && len(links) < limit; e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		switch v := e.(type) {
		case interface{ PC() uintptr }:
			if fr, ok := frameAt(v.PC()); ok {
				link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
			}
		case interface{ StackPCs() []uintptr }:
			if pcs := v.StackPCs(); len(pcs) > 0 {
				if fr, ok := frameAt(pcs[0]); ok {
					link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
				}
			}
		}
		links = append(links, link)
	}
	return links
}

func frameAt(pc uintptr) (runtime.Frame, bool) {
	if pc == 0 {
		return runtime.Frame{}, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr, fr.Function != ""
}

func renderFrames(pcs []uintptr) string {
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
