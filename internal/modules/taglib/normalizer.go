package taglib

import (
	"strings"

	"github.com/mx-space/imagetag/internal/models"
	"go.uber.org/zap"
)

// Normalizer maps model-returned tags onto the controlled vocabulary,
// dropping anything it cannot trace back to the library.
type Normalizer struct {
	cache  *Cache
	logger *zap.Logger
}

// NewNormalizer creates a Normalizer. A nil cache gets a private one.
func NewNormalizer(cache *Cache, logger *zap.Logger) *Normalizer {
	if cache == nil {
		cache = NewCache(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{cache: cache, logger: logger.Named("taglib")}
}

// Index exposes the cached index for dataset and lang.
func (n *Normalizer) Index(dataset string, lang models.TagLanguage) *Index {
	return n.cache.Get(dataset, lang)
}

// Normalize resolves every tag to its canonical name, keeps scores, drops
// unknown tags and removes duplicates keeping the first occurrence.
//
// An empty dataset means no vocabulary is configured; tags are then only
// trimmed and de-duplicated.
func (n *Normalizer) Normalize(dataset string, tags []models.GeneratedTag, lang models.TagLanguage) []models.GeneratedTag {
	out := make([]models.GeneratedTag, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))

	var idx *Index
	if strings.TrimSpace(dataset) != "" {
		idx = n.cache.Get(dataset, lang)
	}

	dropped := 0
	for _, tag := range tags {
		name := strings.TrimSpace(tag.Name)
		if idx != nil {
			canonical, ok := idx.Resolve(name)
			if !ok {
				dropped++
				n.logger.Debug("drop tag outside library", zap.String("tag", tag.Name))
				continue
			}
			name = canonical
		}
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, models.GeneratedTag{Name: name, Score: tag.Score})
	}

	if dropped > 0 {
		n.logger.Info("tags normalized",
			zap.Int("input", len(tags)),
			zap.Int("kept", len(out)),
			zap.Int("dropped", dropped),
			zap.String("language", string(lang)),
		)
	}
	return out
}
