package ai

import (
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
)

var errNoJSON = errors.New("no JSON object in response")

// unmarshalAIJSON strips markdown fences and decodes the text between the
// first '{' and the last '}'.
func unmarshalAIJSON(raw string, out interface{}) error {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```JSON")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return errNoJSON
	}
	return json.Unmarshal([]byte(cleaned[start:end+1]), out)
}

// rawTag accepts {"name":..,"score":..}, {"tag":..,"confidence":..} or a
// bare string.
type rawTag struct {
	Name  string
	Score float64
}

func (t *rawTag) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.Name = s
		return nil
	}
	var obj struct {
		Name       string   `json:"name"`
		Tag        string   `json:"tag"`
		Score      *float64 `json:"score"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Name = obj.Name
	if t.Name == "" {
		t.Name = obj.Tag
	}
	switch {
	case obj.Score != nil:
		t.Score = *obj.Score
	case obj.Confidence != nil:
		t.Score = *obj.Confidence
	}
	return nil
}

type rawGeneration struct {
	Description   string    `json:"description"`
	Tags          *[]rawTag `json:"tags"`
	Title         string    `json:"title"`
	MarketingCopy string    `json:"marketing_copy"`
}

// parseGeneration turns a model reply into a result with raw tag names.
// Missing description or tags is a validation failure.
func parseGeneration(provider, raw string) (*models.GenerationResult, error) {
	var out rawGeneration
	if err := unmarshalAIJSON(raw, &out); err != nil {
		return nil, &aierr.Error{
			Kind:     aierr.KindValidation,
			Provider: provider,
			Message:  "response is not valid JSON: " + truncateText(strings.TrimSpace(raw), 160),
			Err:      err,
		}
	}
	description := strings.TrimSpace(out.Description)
	if description == "" {
		return nil, aierr.New(aierr.KindValidation, provider, "response has no description")
	}
	if out.Tags == nil {
		return nil, aierr.New(aierr.KindValidation, provider, "response has no tags array")
	}

	tags := make([]models.GeneratedTag, 0, len(*out.Tags))
	for _, t := range *out.Tags {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		tags = append(tags, models.GeneratedTag{Name: name, Score: normalizeScore(t.Score)})
	}

	return &models.GenerationResult{
		Description:   description,
		Tags:          tags,
		Title:         strings.TrimSpace(out.Title),
		MarketingCopy: strings.TrimSpace(out.MarketingCopy),
	}, nil
}

// normalizeScore maps fractional confidences onto 0-100 and clamps.
func normalizeScore(v float64) int {
	if v > 0 && v < 1 {
		v *= 100
	}
	score := int(math.Round(v))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func truncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}
