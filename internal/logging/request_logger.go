package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modelbridge/modelbridge/internal/sanitize"
)

// RequestLogger captures full request/response exchanges to per-request log
// files when enabled. Everything written through it is passed through secret
// redaction first, so captured payloads are safe to keep on disk.
type RequestLogger interface {
	// LogExchange logs one completed non-streaming exchange.
	LogExchange(correlationID, method, path string, status int, requestBody, responseBody []byte) error

	// LogStream starts capture for a streaming exchange and returns a writer
	// for the emitted frames.
	LogStream(correlationID, method, path string, requestBody []byte) (StreamLogWriter, error)

	// IsEnabled reports whether capture is active.
	IsEnabled() bool
}

// StreamLogWriter receives SSE frames for one streaming exchange.
type StreamLogWriter interface {
	// WriteFrame records one outbound frame. Non-blocking; frames may be
	// dropped under pressure rather than stall the stream.
	WriteFrame(frame string)

	// Close finalizes the capture file.
	Close() error
}

// FileRequestLogger implements RequestLogger on per-request files.
type FileRequestLogger struct {
	enabled atomic.Bool
	logsDir string
}

// NewFileRequestLogger creates a file-based request logger rooted at logsDir.
func NewFileRequestLogger(enabled bool, logsDir string) *FileRequestLogger {
	l := &FileRequestLogger{logsDir: logsDir}
	l.enabled.Store(enabled)
	return l
}

// IsEnabled reports whether capture is active.
func (l *FileRequestLogger) IsEnabled() bool { return l.enabled.Load() }

// SetEnabled toggles capture, used on config hot reload.
func (l *FileRequestLogger) SetEnabled(enabled bool) { l.enabled.Store(enabled) }

// LogExchange logs one completed non-streaming exchange.
func (l *FileRequestLogger) LogExchange(correlationID, method, path string, status int, requestBody, responseBody []byte) error {
	if !l.IsEnabled() {
		return nil
	}
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create request log directory: %w", err)
	}

	var content strings.Builder
	content.WriteString(exchangeHeader(correlationID, method, path))
	content.WriteString("=== REQUEST BODY ===\n")
	content.WriteString(sanitize.Redact(string(requestBody)))
	content.WriteString(fmt.Sprintf("\n\n=== RESPONSE (status %d) ===\n", status))
	content.WriteString(sanitize.Redact(string(responseBody)))
	content.WriteString("\n")

	filePath := filepath.Join(l.logsDir, l.filename(path))
	if err := os.WriteFile(filePath, []byte(content.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write request log: %w", err)
	}
	return nil
}

// LogStream starts capture for a streaming exchange.
func (l *FileRequestLogger) LogStream(correlationID, method, path string, requestBody []byte) (StreamLogWriter, error) {
	if !l.IsEnabled() {
		return noopStreamLogWriter{}, nil
	}
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create request log directory: %w", err)
	}

	file, err := os.Create(filepath.Join(l.logsDir, l.filename(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request log: %w", err)
	}
	header := exchangeHeader(correlationID, method, path) +
		"=== REQUEST BODY ===\n" + sanitize.Redact(string(requestBody)) + "\n\n=== STREAM ===\n"
	if _, err = file.WriteString(header); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to write request log header: %w", err)
	}

	w := &fileStreamLogWriter{file: file, frames: make(chan string, 100), done: make(chan struct{})}
	go w.drain()
	return w, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (l *FileRequestLogger) filename(path string) string {
	name := unsafeFilenameChars.ReplaceAllString(strings.Trim(path, "/"), "-")
	if name == "" {
		name = "root"
	}
	return fmt.Sprintf("%s-%d.log", name, time.Now().UnixNano())
}

func exchangeHeader(correlationID, method, path string) string {
	return fmt.Sprintf("=== EXCHANGE ===\nCorrelation-Id: %s\nMethod: %s\nPath: %s\nTimestamp: %s\n\n",
		correlationID, method, path, time.Now().Format(time.RFC3339Nano))
}

type fileStreamLogWriter struct {
	file   *os.File
	frames chan string
	done   chan struct{}
}

func (w *fileStreamLogWriter) WriteFrame(frame string) {
	select {
	case w.frames <- frame:
	default:
		// Capture is best-effort; never stall the live stream.
	}
}

func (w *fileStreamLogWriter) Close() error {
	close(w.frames)
	<-w.done
	return w.file.Close()
}

func (w *fileStreamLogWriter) drain() {
	defer close(w.done)
	for frame := range w.frames {
		_, _ = w.file.WriteString(sanitize.Redact(frame))
	}
}

type noopStreamLogWriter struct{}

func (noopStreamLogWriter) WriteFrame(string) {}
func (noopStreamLogWriter) Close() error      { return nil }
