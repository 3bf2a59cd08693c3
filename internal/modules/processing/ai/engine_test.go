package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
	"github.com/mx-space/imagetag/internal/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLibrary = "en,sc,tc,note,desc\n" +
	"action,动作,動作,,戰鬥場景\n" +
	"landscape,风景,風景,,自然景觀\n" +
	"portrait,肖像,肖像,,人物特寫\n"

type reply struct {
	text string
	err  error
}

type scriptedBackend struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	last    completion
}

func (b *scriptedBackend) complete(_ context.Context, c completion) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = c
	i := b.calls
	b.calls++
	if i >= len(b.replies) {
		i = len(b.replies) - 1
	}
	return b.replies[i].text, b.replies[i].err
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func instantPolicy() retry.Policy {
	p := retry.Default()
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}

func newTestEngine(b backend) *engine {
	deps := Deps{Retry: instantPolicy()}.withDefaults()
	return newEngine(models.ProviderOpenAI, b, deps)
}

func tagRequest() TagRequest {
	return TagRequest{
		Image:      []byte{0xff, 0xd8, 0xff},
		MimeType:   "image/jpeg",
		TagLibrary: testLibrary,
		Settings: models.GenerationSettings{
			TagCount:         5,
			DescriptionStyle: models.StyleConcise,
			TagLanguage:      models.TagLanguageTraditional,
		},
	}
}

func TestGenerateTagsRetriesUntilSuccess(t *testing.T) {
	rateLimited := aierr.New(aierr.KindRateLimit, "openai", "slow down")
	b := &scriptedBackend{replies: []reply{
		{err: rateLimited},
		{err: rateLimited},
		{text: `{"description":"A fight.","tags":[{"name":"aciton","score":0.9},{"name":"unicorn","score":80}]}`},
	}}

	result, err := newTestEngine(b).GenerateTags(context.Background(), tagRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, b.Calls())
	assert.Equal(t, "A fight.", result.Description)
	assert.Equal(t, []models.GeneratedTag{{Name: "動作", Score: 90}}, result.Tags)

	assert.True(t, b.last.JSON)
	assert.Contains(t, b.last.Prompt, "TAG_COUNT: 5")
	assert.Contains(t, b.last.Prompt, "<<<TAG_LIBRARY")
	require.NotNil(t, b.last.Image)
	assert.Equal(t, "image/jpeg", b.last.Image.MimeType)
}

func TestGenerateTagsStopsOnTerminalError(t *testing.T) {
	b := &scriptedBackend{replies: []reply{{err: aierr.New(aierr.KindAuthentication, "openai", "bad key")}}}

	_, err := newTestEngine(b).GenerateTags(context.Background(), tagRequest())
	require.Error(t, err)
	assert.True(t, aierr.Is(err, aierr.KindAuthentication))
	assert.Equal(t, 1, b.Calls())
}

func TestGenerateTagsExhaustsAttempts(t *testing.T) {
	last := aierr.New(aierr.KindServer, "openai", "fourth")
	b := &scriptedBackend{replies: []reply{
		{err: aierr.New(aierr.KindServer, "openai", "first")},
		{err: aierr.New(aierr.KindNetwork, "openai", "second")},
		{err: aierr.New(aierr.KindServer, "openai", "third")},
		{err: last},
	}}

	_, err := newTestEngine(b).GenerateTags(context.Background(), tagRequest())
	assert.Same(t, last, err)
	assert.Equal(t, retry.DefaultMaxAttempts, b.Calls())
}

func TestGenerateTagsValidation(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not json", "I cannot help with that."},
		{"missing description", `{"tags":["action"]}`},
		{"missing tags", `{"description":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &scriptedBackend{replies: []reply{{text: tt.reply}}}
			_, err := newTestEngine(b).GenerateTags(context.Background(), tagRequest())
			require.Error(t, err)
			assert.True(t, aierr.Is(err, aierr.KindValidation))
			assert.Equal(t, 1, b.Calls(), "validation failures are not retried")
		})
	}
}

func TestGenerateTagsRejectsEmptyImage(t *testing.T) {
	b := &scriptedBackend{replies: []reply{{text: "{}"}}}
	req := tagRequest()
	req.Image = nil

	_, err := newTestEngine(b).GenerateTags(context.Background(), req)
	assert.True(t, aierr.Is(err, aierr.KindBadRequest))
	assert.Zero(t, b.Calls())
}

func TestGenerateTagsAppliesFeedback(t *testing.T) {
	b := &scriptedBackend{replies: []reply{{
		text: "```json\n{\"description\":\"d\",\"tags\":[\"action\",\"portrait\"]}\n```",
	}}}
	req := tagRequest()
	req.Pinned = []string{"landscpe"}
	req.Excluded = []string{"肖像"}

	result, err := newTestEngine(b).GenerateTags(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []models.GeneratedTag{
		{Name: "風景", Score: 100},
		{Name: "動作", Score: 0},
	}, result.Tags)
	assert.Contains(t, b.last.Prompt, "PINNED_TAGS: landscpe")
	assert.Contains(t, b.last.Prompt, "EXCLUDED_TAGS: 肖像")
}

func TestGenerateTagsCancellationIsNotWrapped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &scriptedBackend{replies: []reply{{err: aierr.New(aierr.KindServer, "openai", "boom")}}}
	cancel()

	_, err := newTestEngine(b).GenerateTags(ctx, tagRequest())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, b.Calls())
}

func TestExplainTag(t *testing.T) {
	b := &scriptedBackend{replies: []reply{{text: "  The figures are mid-strike.  "}}}
	text, err := newTestEngine(b).ExplainTag(context.Background(), ExplainRequest{
		TagName:        "動作",
		TagDescription: "戰鬥場景",
		Language:       models.TagLanguageTraditional,
	})
	require.NoError(t, err)
	assert.Equal(t, "The figures are mid-strike.", text)
	assert.Nil(t, b.last.Image)
	assert.Contains(t, b.last.Prompt, "TARGET_LANGUAGE: Traditional Chinese")
	assert.Contains(t, b.last.Prompt, "TAG_DESCRIPTION: 戰鬥場景")

	_, err = newTestEngine(b).ExplainTag(context.Background(), ExplainRequest{})
	assert.True(t, aierr.Is(err, aierr.KindBadRequest))
}
