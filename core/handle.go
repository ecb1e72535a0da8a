package core

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/slotforge/slotd/llama"
)

// HandleConfig configures one runtime collaborator load and the scheduler
// sitting on top of it (spec §2/§5).
type HandleConfig struct {
	ModelPath     string
	ProjectorPath string // empty disables multimodal tokenization

	NumGpuLayers int
	NumThreads   int
	UseMmap      bool

	NumCtx   int
	NumBatch int
	NumKeep  int
	NumSlots int

	FlashAttention llama.FlashAttentionType
	KvCacheType    string

	// GrammarFirst selects sample_grammar_first over sample_then_check for
	// every slot's sampler (spec §4.2/§9); both share Sampler.Sample.
	GrammarFirst bool
}

// Handle is the external surface of the scheduler: one loaded model, its
// decode context, an optional multimodal tokenizer, a fixed slot vector,
// and the admission queue feeding it (spec §5).
type Handle struct {
	cfg   HandleConfig
	model *llama.Model
	lc    *llama.Context
	mtmd  *llama.MtmdContext

	slots     []*Slot
	admission *admissionQueue

	slotMu   sync.Mutex
	slotCond *sync.Cond
	stopped  bool

	eg errgroup.Group
}

// NewHandle loads the model (and projector, if configured) and prepares an
// idle slot vector. The scheduler does not start running until Run is
// called.
func NewHandle(cfg HandleConfig, maxQueue int) (*Handle, error) {
	if cfg.NumSlots <= 0 {
		cfg.NumSlots = 1
	}

	model, err := llama.LoadModelFromFile(cfg.ModelPath, llama.ModelParams{
		NumGpuLayers: cfg.NumGpuLayers,
		UseMmap:      cfg.UseMmap,
	})
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	// One extra sequence id beyond the slot vector is reserved for the
	// stateless GetEmbedding utility call, so it never shares (and can't
	// corrupt) a live generation slot's KV cache.
	lc, err := llama.NewContextWithModel(model, llama.NewContextParams(cfg.NumCtx, cfg.NumBatch, cfg.NumSlots+1, cfg.NumThreads, cfg.FlashAttention, cfg.KvCacheType))
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}

	var mtmd *llama.MtmdContext
	if cfg.ProjectorPath != "" {
		mtmd, err = llama.NewMtmdContext(lc, cfg.ProjectorPath)
		if err != nil {
			return nil, fmt.Errorf("load projector: %w", err)
		}
	}

	h := &Handle{
		cfg:       cfg,
		model:     model,
		lc:        lc,
		mtmd:      mtmd,
		admission: newAdmissionQueue(maxQueue),
	}
	h.slotCond = sync.NewCond(&h.slotMu)
	for i := 0; i < cfg.NumSlots; i++ {
		h.slots = append(h.slots, NewSlot(i))
	}

	return h, nil
}

// Run starts the admission worker and the tick loop, blocking until Stop
// is called or the tick loop hits an unrecoverable error.
func (h *Handle) Run() error {
	h.eg.Go(func() error {
		h.runAdmissionWorker()
		return nil
	})

	h.eg.Go(func() error {
		for {
			h.slotMu.Lock()
			stopped := h.stopped
			h.slotMu.Unlock()
			if stopped {
				return nil
			}

			did, err := h.tick()
			if err != nil {
				h.Stop()
				return err
			}
			if !did {
				h.slotMu.Lock()
				if !h.stopped {
					h.slotCond.Wait()
				}
				h.slotMu.Unlock()
			}
		}
	})

	return h.eg.Wait()
}

// Stop drains the admission queue (completing every still-queued request
// with ErrShutdown, per spec §9) and signals the tick loop to exit once
// in-flight slots finish their current step.
func (h *Handle) Stop() {
	h.admission.close()

	h.slotMu.Lock()
	h.stopped = true
	h.slotCond.Broadcast()
	h.slotMu.Unlock()
}

// AddTask submits a new generation request and returns its handle. The
// caller waits on req.Wait() for completion-style delivery, or relies on
// TaskParams' callbacks for streaming delivery.
func (h *Handle) AddTask(params TaskParams) (*Request, error) {
	req := NewRequest(params)
	if err := h.admission.submit(req); err != nil {
		return nil, err
	}
	return req, nil
}

// GetTemplate returns a built-in ChatML skeleton written as a Go
// text/template. The model's own chat template is not read.
func (h *Handle) GetTemplate() string {
	return "{{range .Messages}}<|im_start|>{{.Role}}\n{{.Content}}<|im_end|>\n{{end}}<|im_start|>assistant\n"
}

// GetToken returns the requested special token id, or NullToken if the
// model defines none.
func (h *Handle) GetToken(which string) Token {
	switch which {
	case "BOS":
		if h.model.AddBOSToken() {
			return 0
		}
	}
	return NullToken
}

// GetEmbedding runs prompt through the context in embedding mode and
// returns its pooled, L2-normalized vector (spec §8).
func (h *Handle) GetEmbedding(prompt string) ([]float32, error) {
	buf, err := buildPrompt(h.lc, h.model, nil, prompt, nil)
	if err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, ErrEmptyPrompt
	}

	embeddingSeqID := h.cfg.NumSlots

	batch, err := llama.NewBatch(buf.Len(), 1, 0)
	if err != nil {
		return nil, err
	}
	defer batch.Free()

	tokens := buf.Tokens()
	for i, t := range tokens {
		batch.Add(int(t), nil, i, i == len(tokens)-1, embeddingSeqID)
	}

	h.slotMu.Lock()
	h.lc.KvCacheSeqRm(embeddingSeqID, 0, -1)
	err = h.lc.Decode(batch)
	h.lc.Synchronize()
	embd := h.lc.GetEmbeddingsSeq(embeddingSeqID)
	h.slotMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("embedding decode: %w", err)
	}

	normalizeL2(embd)
	return embd, nil
}

func normalizeL2(v []float32) {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
}

// DumpSlots renders a debug table of every slot's current phase and
// progress, used by the optional HTTP surface's diagnostics endpoint.
func (h *Handle) DumpSlots() string {
	h.slotMu.Lock()
	defer h.slotMu.Unlock()

	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"slot", "phase", "n_past", "n_decoded", "truncated", "vocab"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, s := range h.slots {
		vocab := "-"
		if s.sampler != nil {
			vocab = fmt.Sprintf("%d", s.sampler.VocabSize())
		}
		table.Append([]string{
			fmt.Sprintf("%d", s.Id),
			s.phase.String(),
			fmt.Sprintf("%d", s.nPast),
			fmt.Sprintf("%d", s.nDecoded),
			fmt.Sprintf("%v", s.truncated),
			vocab,
		})
	}
	table.Render()
	return sb.String()
}
