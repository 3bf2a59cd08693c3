package nativelog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogDir          = "IMAGETAG_LOG_DIR"
	EnvLogLevel        = "IMAGETAG_LOG_LEVEL"
	defaultSubBufSize  = 128
	defaultLogFilePerm = 0o644
	defaultLogDirPerm  = 0o755
)

// ResolveDir resolves the log directory path.
func ResolveDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvLogDir)); dir != "" {
		return dir
	}

	candidates := make([]string, 0, 3)
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		candidates = append(candidates, filepath.Join(home, ".imagetag", "log"))
	}
	candidates = append(candidates, filepath.Join(".", "logs"))
	candidates = append(candidates, filepath.Join(".", "tmp", "log"))

	for _, dir := range candidates {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			return dir
		}
	}
	return candidates[0]
}

// TodayFilename returns the daily log filename.
func TodayFilename(now time.Time) string {
	return "imagetag_" + now.Format("2006-01-02") + ".log"
}

// Writer appends to the daily log file and pushes realtime frames.
type Writer struct {
	mu  sync.Mutex
	dir string
	hub *Hub
}

// NewWriter creates a writer in dir, creating the directory if needed.
func NewWriter(dir string, hub *Hub) (*Writer, error) {
	if err := os.MkdirAll(dir, defaultLogDirPerm); err != nil {
		return nil, err
	}
	return &Writer{dir: dir, hub: hub}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, TodayFilename(time.Now()))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, defaultLogFilePerm)
	if err != nil {
		return 0, err
	}

	n, writeErr := file.Write(p)
	closeErr := file.Close()

	if n > 0 && w.hub != nil {
		w.hub.Publish(string(p[:n]))
	}

	if writeErr != nil {
		return n, writeErr
	}
	return n, closeErr
}

func (w *Writer) Sync() error {
	return nil
}

// Hub fans log frames out to realtime subscribers. Slow subscribers miss
// frames instead of blocking the logger.
type Hub struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]chan string
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[int]chan string)}
}

var defaultHub = NewHub()

// DefaultHub is the hub fed by NewZapLogger.
func DefaultHub() *Hub { return defaultHub }

// Subscribe registers a subscriber with the given channel buffer.
func (h *Hub) Subscribe(buffer int) (int, <-chan string) {
	if buffer <= 0 {
		buffer = defaultSubBufSize
	}
	ch := make(chan string, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	ch, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Publish pushes a frame to all current subscribers.
func (h *Hub) Publish(message string) {
	if message == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- message:
		default:
		}
	}
}

// MaskSecret keeps the first and last four characters of a credential.
func MaskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	runes := []rune(secret)
	if len(runes) <= 8 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:4]) + strings.Repeat("*", len(runes)-8) + string(runes[len(runes)-4:])
}

func resolveLevel() zapcore.Level {
	level := zapcore.InfoLevel
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		_ = level.Set(strings.ToLower(raw))
	}
	return level
}

// NewZapLogger creates a zap logger writing to stdout and the daily log
// file, with realtime frames published on DefaultHub.
func NewZapLogger() (*zap.Logger, error) {
	writer, err := NewWriter(ResolveDir(), defaultHub)
	if err != nil {
		return nil, err
	}

	level := zap.NewAtomicLevelAt(resolveLevel())
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")

	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(encoder, zapcore.AddSync(writer), level),
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	_ = zap.RedirectStdLog(logger)
	return logger, nil
}
