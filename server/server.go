// Package server exposes the scheduler over an optional debug HTTP
// surface: a streaming generate endpoint, a one-shot embedding endpoint,
// and a health/slot-dump pair for operators. It is additive — every
// caller-facing operation the core package offers is also reachable
// in-process via core.Handle directly.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/x448/float16"

	"github.com/slotforge/slotd/core"
	"github.com/slotforge/slotd/envconfig"
)

// Server wraps a running core.Handle with its HTTP router.
type Server struct {
	addr net.Addr
	h    *core.Handle
}

func New(h *core.Handle, ln net.Listener) *Server {
	return &Server{addr: ln.Addr(), h: h}
}

// Routes builds the gin router. It is kept separate from the listener
// (cmd/slotd hands it to http.Serve) so tests can exercise it with
// httptest without binding a real listener.
func (s *Server) Routes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowHeaders = []string{"Content-Type", "Accept"}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.Use(cors.New(corsConfig))

	r.GET("/v1/health", s.healthHandler)
	r.GET("/v1/slots", s.slotsHandler)
	r.POST("/v1/generate", s.generateHandler)
	r.POST("/v1/embedding", s.embeddingHandler)

	return r
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) slotsHandler(c *gin.Context) {
	c.String(http.StatusOK, s.h.DumpSlots())
}

type generateRequest struct {
	Prompt        string              `json:"prompt" binding:"required"`
	Stream        bool                `json:"stream"`
	MaximumTokens int                 `json:"maximum_tokens"`
	Stop          []string            `json:"stop"`
	Media         []mediaAttachment   `json:"media"`
	Sampling      *samplingOverride   `json:"sampling"`
}

type mediaAttachment struct {
	ID   int    `json:"id"`
	Kind string `json:"kind"`
	Data []byte `json:"data"`
}

type samplingOverride struct {
	Seed        *uint32  `json:"seed"`
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
}

func (s *Server) generateHandler(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := core.DefaultSamplingConfig()
	if req.Sampling != nil {
		applySamplingOverride(&cfg, req.Sampling)
	}

	media := make([]core.MediaAttachment, len(req.Media))
	for i, m := range req.Media {
		kind := core.MediaImage
		if m.Kind == "audio" {
			kind = core.MediaAudio
		}
		media[i] = core.MediaAttachment{ID: m.ID, Kind: kind, Data: m.Data}
	}

	maxTokens := req.MaximumTokens
	if maxTokens == 0 {
		maxTokens = -1
	}

	if !req.Stream {
		r, err := s.h.AddTask(core.TaskParams{
			Prompt:        req.Prompt,
			Sampling:      cfg,
			MaximumTokens: maxTokens,
			Stop:          req.Stop,
			Media:         media,
		})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		res := r.Wait()
		if res.Err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": res.Err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"text": res.Text, "truncated": res.Truncated, "decoded": res.Decoded})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	stream := core.NewUTF8Stream()
	done := make(chan struct{})
	var streamErr error

	_, err := s.h.AddTask(core.TaskParams{
		Prompt:        req.Prompt,
		Sampling:      cfg,
		Stream:        true,
		MaximumTokens: maxTokens,
		Stop:          req.Stop,
		Media:         media,
		OnToken: func(piece string) {
			if safe := stream.Push(piece); safe != "" {
				writeSSE(c.Writer, "token", safe)
				flusher.Flush()
			}
		},
		OnDone: func(string) {
			if safe := stream.Flush(); safe != "" {
				writeSSE(c.Writer, "token", safe)
			}
			writeSSE(c.Writer, "done", "")
			flusher.Flush()
			close(done)
		},
		OnError: func(err error) {
			streamErr = err
			writeSSE(c.Writer, "error", err.Error())
			flusher.Flush()
			close(done)
		},
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	<-done
	_ = streamErr
}

func writeSSE(w gin.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func applySamplingOverride(cfg *core.SamplingConfig, o *samplingOverride) {
	if o.Seed != nil {
		cfg.Seed = *o.Seed
	}
	if o.Temperature != nil {
		cfg.Temp = *o.Temperature
	}
	if o.TopK != nil {
		cfg.TopK = *o.TopK
	}
	if o.TopP != nil {
		cfg.TopP = *o.TopP
	}
}

type embeddingRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	// Format selects the wire encoding for the returned vector: "f32"
	// (default) returns JSON floats, "f16" halves the payload by encoding
	// each component as an IEEE 754 half-precision uint16.
	Format string `json:"format"`
}

func (s *Server) embeddingHandler(c *gin.Context) {
	var req embeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	embd, err := s.h.GetEmbedding(req.Prompt)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrEmptyPrompt) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if req.Format == "f16" {
		c.JSON(http.StatusOK, gin.H{"embedding": toFloat16(embd), "format": "f16"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"embedding": embd})
}

// toFloat16 narrows an embedding vector to half precision for transport.
// Embeddings are cosine-compared downstream, where f16's ~3 decimal digits
// of precision cost negligible accuracy against half the payload size.
func toFloat16(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, f := range v {
		out[i] = uint16(float16.Fromfloat32(f))
	}
	return out
}
