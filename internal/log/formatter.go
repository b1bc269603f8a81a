package log

import (
	"context"
	"fmt"
	"path"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type callerKey struct{}

// withCaller attaches the slog record's source frame to the entry context.
func withCaller(ctx context.Context, pc uintptr) context.Context {
	if pc == 0 {
		return ctx
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return context.WithValue(ctx, callerKey{}, frame)
}

type formatter struct {
	pattern string
	time    string
}

// Format renders entry through the pattern. Supported verbs: %time, %level,
// %field, %msg, %caller, %func and %n.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	frame, hasFrame := callerFrame(entry)
	r := strings.NewReplacer(
		"%time", entry.Time.Format(f.time),
		"%level", entry.Level.String(),
		"%field", buildFields(entry),
		"%msg", entry.Message,
		"%caller", caller(frame, hasFrame),
		"%func", funcName(frame, hasFrame),
		"%n", "\n",
	)
	out := r.Replace(f.pattern)
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return []byte(out), nil
}

func callerFrame(entry *logrus.Entry) (runtime.Frame, bool) {
	if entry.Context == nil {
		return runtime.Frame{}, false
	}
	frame, ok := entry.Context.Value(callerKey{}).(runtime.Frame)
	return frame, ok
}

// caller renders package/file.go:line.
func caller(frame runtime.Frame, ok bool) string {
	if !ok {
		return "unknown"
	}
	pkg := frame.Function
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	if i := strings.Index(pkg, "."); i >= 0 {
		pkg = pkg[:i]
	}
	return fmt.Sprintf("%s/%s:%d", pkg, path.Base(frame.File), frame.Line)
}

func funcName(frame runtime.Frame, ok bool) string {
	if !ok || frame.Function == "" {
		return "unknown"
	}
	name := frame.Function
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// buildFields renders key=value pairs sorted by key.
func buildFields(entry *logrus.Entry) string {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, k+"="+fmt.Sprint(entry.Data[k]))
	}
	return strings.Join(fields, ",")
}
