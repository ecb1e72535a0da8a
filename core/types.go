// Package core implements the inference scheduler: the continuous-batching
// update loop, per-slot state machine, Token Buffer, and Sampler described
// by the specification this module implements. Everything outside this
// package (the llama package) is the runtime collaborator: model loading,
// decode, tokenization, and the multimodal tokenizer.
package core

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Token is a vocabulary id. NullToken marks a Token Buffer position owned
// by a media chunk rather than a real vocabulary entry.
type Token int32

const NullToken Token = -1

// MediaKind tags the two media chunk types the multimodal tokenizer can
// produce.
type MediaKind int

const (
	MediaImage MediaKind = iota
	MediaAudio
)

// MediaChunk is an opaque, already-tokenized span of media content: either
// n_pos real tokens (rare) or a contiguous run of placeholder positions
// that the runtime collaborator will later expand into embeddings in one
// shot (process_chunk). CacheID is the FNV-1a hash of the raw bytes,
// giving the runtime collaborator a stable KV-cache identity for repeated
// attachments of the same image/audio.
type MediaChunk struct {
	Kind       MediaKind
	CacheID    string
	StartPos   int
	NumPos     int
	RawTokens  []Token     // non-nil only for text-equivalent chunks
	Embeddings [][]float32 // one row per placeholder position, non-nil otherwise
}

// TriggerKind enumerates the four grammar trigger variants from the
// sampling configuration's grammar source.
type TriggerKind int

const (
	TriggerWord TriggerKind = iota
	TriggerPattern
	TriggerPatternFull
	TriggerToken
)

// GrammarTrigger is one tagged trigger entry; exactly one of Text or
// TokenID is meaningful depending on Kind.
type GrammarTrigger struct {
	Kind    TriggerKind
	Text    string // WORD literal, or PATTERN/PATTERN_FULL regex source
	TokenID Token  // meaningful only when Kind == TriggerToken
}

// MirostatVariant selects which Mirostat stage (if any) terminates the
// sampler chain.
type MirostatVariant int

const (
	MirostatOff MirostatVariant = iota
	MirostatV1
	MirostatV2
)

// SamplerStageKind tags one stage of the non-Mirostat sampler chain. The
// configured order of these (SamplingConfig.Samplers) is the order stages
// are appended, per spec §4.2.
type SamplerStageKind int

const (
	StagePenalties SamplerStageKind = iota
	StageDRY
	StageTopNSigma
	StageTopK
	StageTypicalP
	StageTopP
	StageMinP
	StageXTC
	StageTemperature
	StageInfill
)

// SamplingConfig is the full set of per-request sampling parameters from
// spec §3.
type SamplingConfig struct {
	Seed uint32

	TopK            int
	TopP            float32
	MinP            float32
	TypicalP        float32
	XTCProbability  float32
	XTCThreshold    float32
	Temp            float32
	DynatempRange   float32
	DynatempExp     float32
	TopNSigma       float32

	PenaltyLastN  int
	PenaltyRepeat float32
	PenaltyFreq   float32
	PenaltyPresent float32

	DRYMultiplier     float32
	DRYBase           float32
	DRYAllowedLength  int32
	DRYPenaltyLastN   int32
	DRYSequenceBreak  []string

	Mirostat    MirostatVariant
	MirostatTau float32
	MirostatEta float32

	MinKeep int
	NPrev   int

	Samplers []SamplerStageKind

	GrammarSource   string
	GrammarLazy     bool
	GrammarTriggers []GrammarTrigger
	PreservedTokens []Token
}

// DefaultSamplingConfig mirrors llama.cpp's common defaults, giving callers
// a sane baseline to override fields on.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		TopK:          40,
		TopP:          0.95,
		MinP:          0.05,
		TypicalP:      1.0,
		Temp:          0.8,
		DynatempRange: 0,
		DynatempExp:   1.0,
		PenaltyLastN:  64,
		PenaltyRepeat: 1.0,
		MinKeep:       1,
		NPrev:         64,
		Samplers: []SamplerStageKind{
			StagePenalties, StageDRY, StageTopNSigma, StageTopK,
			StageTypicalP, StageTopP, StageMinP, StageXTC, StageTemperature,
		},
	}
}

// MediaAttachment is one caller-supplied media blob awaiting tokenization.
type MediaAttachment struct {
	ID   int
	Kind MediaKind
	Data []byte
}

// TaskParams configures one generation request, per spec §3.
type TaskParams struct {
	Prompt         string
	Sampling       SamplingConfig
	Stream         bool
	MaximumTokens  int // negative means unbounded up to context
	Stop           []string
	Media          []MediaAttachment
	OnToken        func(piece string)
	OnDone         func(text string)
	OnError        func(err error)
}

// Result is what a completion-mode caller receives on the Request's
// completion channel.
type Result struct {
	Text      string
	Truncated bool
	Decoded   int
	Duration  time.Duration
	Err       error
}

// Request is one admitted generation task: a single-assignment completion
// channel plus the parameters it was submitted with.
type Request struct {
	ID     uuid.UUID
	Prompt string
	Params TaskParams

	done chan Result
}

// NewRequest allocates a Request with its completion channel ready.
func NewRequest(params TaskParams) *Request {
	return &Request{
		ID:     uuid.New(),
		Prompt: params.Prompt,
		Params: params,
		done:   make(chan Result, 1),
	}
}

// Wait blocks for the single result this request will ever produce.
func (r *Request) Wait() Result {
	return <-r.done
}

// complete fulfils the completion channel exactly once. Subsequent calls
// are no-ops (single-assignment, per spec §3).
func (r *Request) complete(res Result) {
	select {
	case r.done <- res:
	default:
	}
}

// Errors surfaced by the admission and scheduling paths (spec §7).
var (
	ErrEmptyPrompt             = errors.New("prompt is empty")
	ErrPromptTooLong           = errors.New("prompt exceeds the configured context limit")
	ErrPromptExceedsUBatch     = errors.New("prompt exceeds the per-slot micro-batch limit")
	ErrForcedReset             = errors.New("slot was forcibly reset")
	ErrDecodeContext           = errors.New("context window exhausted during decode")
	ErrDecodeCompute           = errors.New("compute error during decode")
	ErrSamplerFailure          = errors.New("sampler produced no candidate")
	ErrUnknownMirostat         = errors.New("unknown mirostat variant")
	ErrUnknownTrigger          = errors.New("unknown grammar trigger kind")
	ErrUnsupportedSamplerStage = errors.New("sampler stage requires model-aware wiring this chain does not provide")
	ErrShutdown                = errors.New("scheduler stopped while request was queued")
	ErrNoFreeSlot              = errors.New("no execution slot became available")
)
