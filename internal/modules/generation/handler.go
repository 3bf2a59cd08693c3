package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/modules/processing/ai"
	"github.com/mx-space/imagetag/internal/modules/processing/orchestrator"
	"github.com/mx-space/imagetag/internal/pkg/fetch"
	"github.com/mx-space/imagetag/internal/pkg/imageprep"
	"github.com/mx-space/imagetag/internal/pkg/response"
	"go.uber.org/zap"
)

const eventBuffer = 32

// Runtime is everything built from one configuration snapshot.
type Runtime struct {
	Orchestrator *orchestrator.Orchestrator
	Prober       *ai.Prober
	Settings     models.GenerationSettings
}

// Handler exposes the controllers and one-shot provider operations.
type Handler struct {
	single *Controller
	batch  *BatchController
	loader ImageLoader
	image  imageprep.Options
	logger *zap.Logger

	mu sync.RWMutex
	rt Runtime
}

// NewHandler wires the controllers to rt.
func NewHandler(single *Controller, batch *BatchController, loader ImageLoader, image imageprep.Options, rt Runtime, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		single: single,
		batch:  batch,
		loader: loader,
		image:  image,
		logger: logger.Named("api"),
	}
	h.Apply(rt)
	return h
}

// Apply swaps in a new runtime. Runs already in flight finish on the one
// they started with.
func (h *Handler) Apply(rt Runtime) {
	h.mu.Lock()
	h.rt = rt
	h.mu.Unlock()
	if rt.Orchestrator != nil {
		h.single.SetGenerator(rt.Orchestrator)
		h.batch.SetGenerator(rt.Orchestrator)
	}
}

func (h *Handler) runtime() Runtime {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rt
}

// RegisterRoutes mounts the generation API.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/generate", h.generate)
	rg.POST("/generate/regenerate", h.regenerate)
	rg.POST("/generate/stop", h.stop)
	rg.GET("/generate/state", h.state)
	rg.GET("/generate/events", h.stateEvents)

	rg.POST("/explain", h.explain)
	rg.POST("/image", h.generateImage)
	rg.POST("/chat", h.chat)

	rg.POST("/batch", h.addBatch)
	rg.GET("/batch", h.listBatch)
	rg.POST("/batch/run", h.runBatch)
	rg.POST("/batch/stop", h.stopBatch)
	rg.GET("/batch/events", h.batchEvents)

	rg.POST("/providers/test", h.testProvider)
	rg.GET("/providers/:id/models", h.listModels)
}

type settingsDTO struct {
	TagCount         int    `json:"tag_count"`
	DescriptionStyle string `json:"description_style"`
	TagLanguage      string `json:"tag_language"`
	DeepReasoning    *bool  `json:"deep_reasoning"`
}

// merge overlays the non-zero fields on defaults.
func (s *settingsDTO) merge(defaults models.GenerationSettings) models.GenerationSettings {
	out := defaults
	if s == nil {
		return out.Normalize()
	}
	if s.TagCount > 0 {
		out.TagCount = s.TagCount
	}
	if s.DescriptionStyle != "" {
		out.DescriptionStyle = models.DescriptionStyle(s.DescriptionStyle)
	}
	if s.TagLanguage != "" {
		out.TagLanguage = models.TagLanguage(s.TagLanguage)
	}
	if s.DeepReasoning != nil {
		out.DeepReasoning = *s.DeepReasoning
	}
	return out.Normalize()
}

type generateDTO struct {
	Image    string       `json:"image"`
	Source   string       `json:"source"`
	MimeType string       `json:"mime_type"`
	Settings *settingsDTO `json:"settings"`
	Wait     bool         `json:"wait"`
	Pinned   []string     `json:"pinned"`
	Excluded []string     `json:"excluded"`
}

func (h *Handler) bindGenerate(c *gin.Context) (*generateDTO, Input, bool) {
	var dto generateDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return nil, Input{}, false
	}
	in := Input{
		Source:   strings.TrimSpace(dto.Source),
		MimeType: dto.MimeType,
		Settings: dto.Settings.merge(h.runtime().Settings),
	}
	if dto.Image != "" {
		data, mime, err := fetch.DecodeInline(dto.Image)
		if err != nil {
			response.BadRequest(c, err.Error())
			return nil, Input{}, false
		}
		in.Image = data
		if in.MimeType == "" {
			in.MimeType = mime
		}
	}
	if len(in.Image) == 0 && in.Source == "" {
		response.BadRequest(c, "image or source is required")
		return nil, Input{}, false
	}
	return &dto, in, true
}

func (h *Handler) generate(c *gin.Context) {
	dto, in, ok := h.bindGenerate(c)
	if !ok {
		return
	}
	h.respondRun(c, h.single.Generate(in), dto.Wait)
}

func (h *Handler) regenerate(c *gin.Context) {
	dto, in, ok := h.bindGenerate(c)
	if !ok {
		return
	}
	h.respondRun(c, h.single.Regenerate(in, dto.Pinned, dto.Excluded), dto.Wait)
}

func (h *Handler) respondRun(c *gin.Context, run *Run, wait bool) {
	if !wait {
		response.Accepted(c, gin.H{"run_id": run.ID(), "state": h.single.Snapshot()})
		return
	}
	snap, err := run.Wait(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, snap)
}

func (h *Handler) stop(c *gin.Context) {
	h.single.Stop()
	response.OK(c, h.single.Snapshot())
}

func (h *Handler) state(c *gin.Context) {
	response.OK(c, h.single.Snapshot())
}

func (h *Handler) stateEvents(c *gin.Context) {
	events := make(chan Snapshot, eventBuffer)
	unsubscribe := h.single.Subscribe(func(s Snapshot) {
		select {
		case events <- s:
		default:
		}
	})
	defer unsubscribe()

	startSSE(c)
	writeEvent(c, "state", h.single.Snapshot())
	streamEvents(c, events, func(s Snapshot) { writeEvent(c, "state", s) })
}

type explainDTO struct {
	Image       string `json:"image"`
	Source      string `json:"source"`
	MimeType    string `json:"mime_type"`
	Tag         string `json:"tag"         binding:"required"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

func (h *Handler) explain(c *gin.Context) {
	var dto explainDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	o := h.runtime().Orchestrator
	if o == nil {
		response.Fail(c, http.StatusServiceUnavailable, "no provider is configured")
		return
	}
	data, mime, err := h.resolveImage(c.Request.Context(), dto.Image, dto.Source, dto.MimeType)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	lang, _ := models.ParseTagLanguage(dto.Language)

	exp, err := o.ExplainTag(c.Request.Context(), ai.ExplainRequest{
		Image:          data,
		MimeType:       mime,
		TagName:        dto.Tag,
		TagDescription: dto.Description,
		Language:       lang,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	out := gin.H{"text": exp.Text, "served_by": exp.ServedBy}
	if exp.DidFailover {
		out["failover"] = (&orchestrator.Outcome{
			DidFailover:  true,
			ServedBy:     exp.ServedBy,
			PrimaryError: exp.PrimaryError,
		}).Notice(o.Identity())
	}
	response.OK(c, out)
}

type imageDTO struct {
	Prompt      string `json:"prompt"       binding:"required"`
	AspectRatio string `json:"aspect_ratio"`
}

func (h *Handler) generateImage(c *gin.Context) {
	var dto imageDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	o := h.runtime().Orchestrator
	if o == nil {
		response.Fail(c, http.StatusServiceUnavailable, "no provider is configured")
		return
	}
	img, err := o.GenerateImage(c.Request.Context(), dto.Prompt, dto.AspectRatio)
	if err != nil {
		h.capabilityError(c, err)
		return
	}
	response.OK(c, gin.H{
		"mime_type": img.MimeType,
		"data":      base64.StdEncoding.EncodeToString(img.Data),
		"text":      img.Text,
	})
}

type chatDTO struct {
	History  []ai.ChatMessage `json:"history"`
	Message  string           `json:"message"`
	Image    string           `json:"image"`
	MimeType string           `json:"mime_type"`
}

func (h *Handler) chat(c *gin.Context) {
	var dto chatDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	o := h.runtime().Orchestrator
	if o == nil {
		response.Fail(c, http.StatusServiceUnavailable, "no provider is configured")
		return
	}
	var image *ai.ImageInput
	if dto.Image != "" {
		data, mime, err := h.resolveImage(c.Request.Context(), dto.Image, "", dto.MimeType)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		image = &ai.ImageInput{Data: data, MimeType: mime}
	}
	reply, err := o.Chat(c.Request.Context(), dto.History, dto.Message, image)
	if err != nil {
		h.capabilityError(c, err)
		return
	}
	response.OK(c, gin.H{"reply": reply})
}

func (h *Handler) capabilityError(c *gin.Context, err error) {
	if errors.Is(err, ai.ErrUnsupported) {
		response.Fail(c, http.StatusNotImplemented, err.Error())
		return
	}
	response.Error(c, err)
}

// resolveImage decodes an inline image or loads a reference and prepares
// it for upload. Both empty means no image.
func (h *Handler) resolveImage(ctx context.Context, inline, source, mime string) ([]byte, string, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case inline != "":
		var detected string
		if data, detected, err = fetch.DecodeInline(inline); err != nil {
			return nil, "", err
		}
		if mime == "" {
			mime = detected
		}
	case strings.TrimSpace(source) != "":
		if h.loader == nil {
			return nil, "", errors.New("image sources are not supported")
		}
		if data, mime, err = h.loader.Load(ctx, strings.TrimSpace(source)); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", nil
	}
	data, mime, err = imageprep.Prepare(data, mime, h.image)
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}

type batchDTO struct {
	Sources []string `json:"sources" binding:"required"`
}

func (h *Handler) addBatch(c *gin.Context) {
	var dto batchDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	items, err := h.batch.Add(c.Request.Context(), dto.Sources)
	if err != nil {
		h.batchError(c, err)
		return
	}
	response.OK(c, items)
}

func (h *Handler) listBatch(c *gin.Context) {
	response.OK(c, gin.H{"items": h.batch.Items(), "running": h.batch.Running()})
}

type batchRunDTO struct {
	Settings *settingsDTO `json:"settings"`
}

func (h *Handler) runBatch(c *gin.Context) {
	var dto batchRunDTO
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&dto); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	settings := dto.Settings.merge(h.runtime().Settings)
	h.logger.Info("batch run requested", zap.Int("items", len(h.batch.Items())), zap.Int("tag_count", settings.TagCount))
	// The run outlives the request.
	if err := h.batch.Start(context.WithoutCancel(c.Request.Context()), settings); err != nil {
		h.batchError(c, err)
		return
	}
	response.Accepted(c, gin.H{"running": true, "total": len(h.batch.Items())})
}

func (h *Handler) stopBatch(c *gin.Context) {
	h.batch.Stop()
	response.NoContent(c)
}

func (h *Handler) batchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBatchRunning):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrNoTagLibrary):
		response.UnprocessableEntity(c, err.Error())
	default:
		response.Error(c, err)
	}
}

func (h *Handler) batchEvents(c *gin.Context) {
	events := make(chan BatchEvent, eventBuffer)
	unsubscribe := h.batch.Subscribe(func(ev BatchEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	startSSE(c)
	writeEvent(c, "items", gin.H{"items": h.batch.Items(), "running": h.batch.Running()})
	streamEvents(c, events, func(ev BatchEvent) {
		if ev.Report != nil {
			writeEvent(c, "report", ev.Report)
			return
		}
		writeEvent(c, "item", ev.Item)
	})
}

type probeDTO struct {
	Provider string `json:"provider" binding:"required"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
}

func (h *Handler) testProvider(c *gin.Context) {
	var dto probeDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	cfg, prober, ok := h.endpoint(c, dto.Provider)
	if !ok {
		return
	}
	cfg = overrideBaseURL(cfg, dto.BaseURL)
	if dto.APIKey != "" {
		cfg.APIKey = dto.APIKey
	}
	if dto.Model != "" {
		cfg.Model = dto.Model
	}

	res, err := prober.TestConnection(c.Request.Context(), cfg)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{
		"provider":   res.Provider,
		"model":      res.Model,
		"latency_ms": res.Latency.Milliseconds(),
		"reply":      res.Reply,
	})
}

func (h *Handler) listModels(c *gin.Context) {
	cfg, prober, ok := h.endpoint(c, c.Param("id"))
	if !ok {
		return
	}
	cfg = overrideBaseURL(cfg, c.Query("base_url"))
	list, err := prober.ListModels(c.Request.Context(), cfg)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// endpoint resolves the configured settings for a provider name.
func (h *Handler) endpoint(c *gin.Context, name string) (models.ProviderEndpointConfig, *ai.Prober, bool) {
	id, ok := models.ParseProviderIdentity(name)
	if !ok {
		response.BadRequest(c, fmt.Sprintf("unknown provider %q", name))
		return models.ProviderEndpointConfig{}, nil, false
	}
	rt := h.runtime()
	if rt.Prober == nil || rt.Orchestrator == nil {
		response.Fail(c, http.StatusServiceUnavailable, "provider checks are not available")
		return models.ProviderEndpointConfig{}, nil, false
	}
	return rt.Orchestrator.Snapshot().Endpoint(id), rt.Prober, true
}

// overrideBaseURL points cfg at a caller-chosen host. The configured key
// is only ever sent to the configured host, so it is dropped when the
// host changes.
func overrideBaseURL(cfg models.ProviderEndpointConfig, base string) models.ProviderEndpointConfig {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" || base == cfg.BaseURL {
		return cfg
	}
	cfg.BaseURL = base
	cfg.APIKey = ""
	return cfg
}

func startSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

func writeEvent(c *gin.Context, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, payload)
	c.Writer.Flush()
}

// streamEvents forwards events until the client disconnects, sending a
// comment line as a keep-alive.
func streamEvents[T any](c *gin.Context, events <-chan T, write func(T)) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev := <-events:
			write(ev)
		case <-ticker.C:
			_, _ = c.Writer.WriteString(": ping\n\n")
			c.Writer.Flush()
		}
	}
}
