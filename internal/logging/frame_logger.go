package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// FrameLogger writes a transcript of every frame exchanged on a bridge connection.
// Each connection gets its own file under the frames directory; when the connection
// finishes, the transcript is compressed with zstd and the plain file removed.
type FrameLogger struct {
	enabled atomic.Bool
	dir     string

	mu    sync.Mutex
	files map[string]*frameFile
}

type frameFile struct {
	mu   sync.Mutex
	file *os.File
	path string
}

var (
	activeFramesMu sync.Mutex
	activeFrames   = make(map[string]struct{})
)

// NewFrameLogger creates a transcript logger rooted at dir.
func NewFrameLogger(dir string, enabled bool) *FrameLogger {
	l := &FrameLogger{
		dir:   filepath.Clean(dir),
		files: make(map[string]*frameFile),
	}
	l.enabled.Store(enabled)
	return l
}

// DefaultFramesDir returns the transcript directory inside the resolved log directory.
func DefaultFramesDir() string {
	return filepath.Join(ResolveLogDirectory(), "frames")
}

// SetEnabled toggles transcript recording. Connections already being recorded keep
// their file until they finish.
func (l *FrameLogger) SetEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.enabled.Store(enabled)
}

// IsEnabled reports whether new frames are recorded.
func (l *FrameLogger) IsEnabled() bool {
	return l != nil && l.enabled.Load()
}

// Record appends one frame to the connection transcript.
func (l *FrameLogger) Record(connID string, inbound bool, data []byte) {
	if !l.IsEnabled() {
		return
	}
	ff, errOpen := l.open(connID)
	if errOpen != nil {
		log.WithError(errOpen).WithField("conn_id", connID).Warn("frame log: failed to open transcript")
		return
	}
	direction := "Sent"
	if inbound {
		direction = "Received"
	}
	line := fmt.Sprintf("[%s] %s: %s\n", time.Now().Format("2006-01-02 15:04:05.000"), direction, strings.TrimRight(string(data), "\r\n"))

	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.file == nil {
		return
	}
	if _, errWrite := ff.file.WriteString(line); errWrite != nil {
		log.WithError(errWrite).WithField("conn_id", connID).Warn("frame log: failed to write transcript")
	}
}

// Finish closes the connection transcript and archives it as <conn>.log.zst.
func (l *FrameLogger) Finish(connID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	ff := l.files[connID]
	delete(l.files, connID)
	l.mu.Unlock()
	if ff == nil {
		return
	}

	ff.mu.Lock()
	if ff.file != nil {
		_ = ff.file.Close()
		ff.file = nil
	}
	ff.mu.Unlock()
	unprotectFrameFile(ff.path)

	if _, errArchive := archiveTranscript(ff.path); errArchive != nil {
		log.WithError(errArchive).WithField("conn_id", connID).Warn("frame log: failed to archive transcript")
	}
}

func (l *FrameLogger) open(connID string) (*frameFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ff, ok := l.files[connID]; ok {
		return ff, nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}
	path := filepath.Join(l.dir, sanitizeConnID(connID)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	ff := &frameFile{file: file, path: path}
	l.files[connID] = ff
	protectFrameFile(path)
	return ff, nil
}

// archiveTranscript compresses path into path+".zst" and removes the original.
func archiveTranscript(path string) (string, error) {
	src, errOpen := os.Open(path)
	if errOpen != nil {
		if os.IsNotExist(errOpen) {
			return "", nil
		}
		return "", errOpen
	}
	defer func() {
		_ = src.Close()
	}()

	target := path + ".zst"
	dst, errCreate := os.Create(target)
	if errCreate != nil {
		return "", errCreate
	}
	encoder, errEncoder := zstd.NewWriter(dst)
	if errEncoder != nil {
		_ = dst.Close()
		return "", fmt.Errorf("create zstd writer: %w", errEncoder)
	}
	if _, errCopy := io.Copy(encoder, src); errCopy != nil {
		_ = encoder.Close()
		_ = dst.Close()
		return "", fmt.Errorf("compress transcript: %w", errCopy)
	}
	if errClose := encoder.Close(); errClose != nil {
		_ = dst.Close()
		return "", fmt.Errorf("flush zstd writer: %w", errClose)
	}
	if errClose := dst.Close(); errClose != nil {
		return "", errClose
	}
	_ = src.Close()
	if errRemove := os.Remove(path); errRemove != nil {
		return target, errRemove
	}
	return target, nil
}

// ReadTranscript returns the decompressed content of an archived transcript.
func ReadTranscript(path string) ([]byte, error) {
	file, errOpen := os.Open(path)
	if errOpen != nil {
		return nil, errOpen
	}
	defer func() {
		_ = file.Close()
	}()
	decoder, errDecoder := zstd.NewReader(file)
	if errDecoder != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", errDecoder)
	}
	defer decoder.Close()
	data, errRead := io.ReadAll(decoder)
	if errRead != nil {
		return nil, fmt.Errorf("failed to decompress zstd data: %w", errRead)
	}
	return data, nil
}

func sanitizeConnID(connID string) string {
	connID = strings.TrimSpace(connID)
	if connID == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, connID)
}

func protectFrameFile(path string) {
	activeFramesMu.Lock()
	activeFrames[filepath.Clean(path)] = struct{}{}
	activeFramesMu.Unlock()
}

func unprotectFrameFile(path string) {
	activeFramesMu.Lock()
	delete(activeFrames, filepath.Clean(path))
	activeFramesMu.Unlock()
}

func isActiveFrameFile(path string) bool {
	activeFramesMu.Lock()
	_, ok := activeFrames[filepath.Clean(path)]
	activeFramesMu.Unlock()
	return ok
}
