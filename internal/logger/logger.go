package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12
)

type Options struct {
	Debug bool
	// Dir enables daily log files next to the console output.
	Dir string
	// Writer replaces stdout as the console sink.
	Writer io.Writer
}

// sink is shared by every handler derived through WithAttrs/WithGroup.
type sink struct {
	ch          chan []byte
	console     io.Writer
	writer      io.Writer
	basePath    string
	currentDay  int
	currentFile *os.File
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type AsyncHandler struct {
	sink     *sink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(opts Options) *AsyncHandler {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	console := opts.Writer
	if console == nil {
		console = os.Stdout
	}
	s := &sink{
		ch:       make(chan []byte, 1024),
		console:  console,
		writer:   console,
		basePath: opts.Dir,
	}
	if s.basePath != "" {
		if err := s.rotateIfNeeded(); err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		}
	}
	s.wg.Add(1)
	go s.startWorker()
	return &AsyncHandler{sink: s, logLevel: level}
}

func (s *sink) rotateIfNeeded() error {
	now := time.Now()
	currentDay := now.YearDay()
	if currentDay == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		s.currentFile = nil
	}

	logPath := filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	s.currentFile = f
	s.currentDay = currentDay
	s.writer = io.MultiWriter(s.console, f)
	return nil
}

func (s *sink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		if s.basePath != "" {
			_ = s.rotateIfNeeded()
		}
		_, _ = s.writer.Write(data)
	}
}

func (s *sink) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		s.wg.Wait()
		if s.currentFile != nil {
			_ = s.currentFile.Sync()
			_ = s.currentFile.Close()
		}
	})
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	line := fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	)

	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	for _, attr := range h.attrs {
		line += color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value))
	}
	r.Attrs(func(attr slog.Attr) bool {
		line += color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value))
		return true
	})

	line += "\n"

	h.Write([]byte(line))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)

	return &AsyncHandler{
		sink:     h.sink,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		sink:     h.sink,
		attrs:    h.attrs,
		group:    name,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) Write(p []byte) {
	pb := make([]byte, len(p))
	copy(pb, p)
	defer func() {
		// The sink is closed during shutdown; late records are dropped.
		_ = recover()
	}()
	h.sink.ch <- pb
}

func (h *AsyncHandler) Close() error {
	h.sink.close()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

func Init(opts Options) *ShutdownCallback {
	handler := NewAsyncHandler(opts)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
