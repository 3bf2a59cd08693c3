package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoTagLibrary is returned when no tag dataset is configured or the
// configured one is empty.
var ErrNoTagLibrary = errors.New("tag library is not available")

// TagLibrary supplies the raw tag dataset text.
type TagLibrary interface {
	Text(ctx context.Context) (string, error)
}

// TextLoader reads a text resource by reference.
type TextLoader interface {
	LoadText(ctx context.Context, ref string) (string, error)
}

// Library loads the dataset once and keeps it until Reload.
type Library struct {
	loader TextLoader
	ref    string

	mu   sync.Mutex
	text string
}

// NewLibrary creates a Library reading ref through loader. An empty ref
// yields ErrNoTagLibrary on every call.
func NewLibrary(loader TextLoader, ref string) *Library {
	return &Library{loader: loader, ref: strings.TrimSpace(ref)}
}

// StaticLibrary returns a TagLibrary that always yields text.
func StaticLibrary(text string) TagLibrary { return staticLibrary(text) }

type staticLibrary string

func (s staticLibrary) Text(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoTagLibrary
	}
	return string(s), nil
}

// Ref returns the configured reference.
func (l *Library) Ref() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ref
}

func (l *Library) Text(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.text != "" {
		return l.text, nil
	}
	return l.load(ctx)
}

// SetRef points the library at a new reference. The next Text call loads
// it.
func (l *Library) SetRef(ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref = strings.TrimSpace(ref)
	if ref != l.ref {
		l.ref = ref
		l.text = ""
	}
}

// Reload reads the dataset again. A failed reload keeps the previously
// loaded text.
func (l *Library) Reload(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.load(ctx)
	return err
}

func (l *Library) load(ctx context.Context) (string, error) {
	if l.ref == "" || l.loader == nil {
		return "", ErrNoTagLibrary
	}
	text, err := l.loader.LoadText(ctx, l.ref)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoTagLibrary, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNoTagLibrary
	}
	l.text = text
	return text, nil
}
