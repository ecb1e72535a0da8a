package core

import (
	"strings"
	"time"
)

// Phase is a Slot's position in the generation state machine (spec §3).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarted
	PhaseProcessingPrompt
	PhaseDonePrompt
	PhaseGenerating
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseStarted:
		return "STARTED"
	case PhaseProcessingPrompt:
		return "PROCESSING_PROMPT"
	case PhaseDonePrompt:
		return "DONE_PROMPT"
	case PhaseGenerating:
		return "GENERATING"
	default:
		return "UNKNOWN"
	}
}

// Slot is one execution stream sharing the model context with its peers.
// Its sequence id (used with the runtime collaborator's KV ops) equals its
// Id; sequences are disjoint across slots (spec §3 invariant).
type Slot struct {
	Id int

	req *Request

	prompt *TokenBuffer
	// cache mirrors the runtime collaborator's KV cache contents position
	// by position (prompt tokens, media placeholders, and generated
	// tokens alike), so contextShiftPass can tell whether a discard range
	// would cut through a media chunk.
	cache   *TokenBuffer
	sampler *Sampler

	phase Phase

	nPast                  int
	nPromptTokensProcessed int
	nDecoded               int
	iBatch                 int // -1 when not contributing to the current batch
	sampled                Token
	truncated              bool

	generatedText strings.Builder

	processingDuration time.Duration
	generationDuration time.Duration
}

// NewSlot returns an IDLE slot with id seqID.
func NewSlot(seqID int) *Slot {
	return &Slot{
		Id:     seqID,
		phase:  PhaseIdle,
		cache:  NewTokenBuffer(),
		iBatch: -1,
	}
}

// Phase returns the slot's current state-machine phase.
func (s *Slot) Phase() Phase { return s.phase }

// IsIdle reports whether the slot holds no Request (spec §3 invariant:
// "a slot is in IDLE iff it holds no Request").
func (s *Slot) IsIdle() bool { return s.phase == PhaseIdle && s.req == nil }

// CanBatchWith reports whether this slot and other are in the same phase
// (spec §4.3). buildPlan does not consult it: one tick's batch mixes
// generating slots with slots still ingesting their prompt.
func (s *Slot) CanBatchWith(other *Slot) bool {
	return s.phase == other.phase
}

// Bind attaches req and its pre-tokenized prompt+sampler to an IDLE slot,
// transitioning it to STARTED. Called only by the tokenization stage,
// which is the sole code path into STARTED (spec §5 ownership rule).
func (s *Slot) Bind(req *Request, prompt *TokenBuffer, sampler *Sampler) {
	s.req = req
	s.prompt = prompt
	s.sampler = sampler
	s.phase = PhaseStarted
	s.nPast = 0
	s.nPromptTokensProcessed = 0
	s.nDecoded = 0
	s.iBatch = -1
	s.sampled = 0
	s.truncated = false
	s.generatedText.Reset()
	s.cache = NewTokenBuffer()
	s.processingDuration = 0
	s.generationDuration = 0
}

// Release completes the bound Request successfully with the accumulated
// text and returns the slot to IDLE.
func (s *Slot) Release() {
	if s.req != nil {
		text := s.generatedText.String()
		res := Result{Text: text, Truncated: s.truncated, Decoded: s.nDecoded, Duration: s.processingDuration + s.generationDuration}
		s.req.complete(res)
		if s.req.Params.OnDone != nil {
			s.req.Params.OnDone(text)
		}
	}
	s.clear()
}

// ResetWithError fulfils the bound Request's completion channel with err
// (invoking OnError if streaming) and returns the slot to IDLE.
func (s *Slot) ResetWithError(err error) {
	if s.req != nil {
		s.req.complete(Result{Err: err})
		if s.req.Params.OnError != nil {
			s.req.Params.OnError(err)
		}
	}
	s.clear()
}

func (s *Slot) clear() {
	s.req = nil
	s.prompt = nil
	s.sampler = nil
	s.phase = PhaseIdle
	s.iBatch = -1
}

// ProcessToken evaluates spec §4.3's stop conditions for a just-sampled
// token/piece, returning false when generation should terminate.
func (s *Slot) ProcessToken(isEOG bool, id Token, piece string) bool {
	if isEOG {
		return false
	}
	if s.req.Params.MaximumTokens >= 0 && s.nDecoded >= s.req.Params.MaximumTokens {
		return false
	}
	if len(s.req.Params.Stop) > 0 {
		candidate := s.generatedText.String() + piece
		for _, stop := range s.req.Params.Stop {
			if stop != "" && strings.Contains(candidate, stop) {
				return false
			}
		}
	}
	return true
}

// Emit records one generated piece: it invokes the streaming callback if
// the request is streaming, and always appends to the accumulated text.
func (s *Slot) Emit(piece string) {
	if s.req.Params.Stream && s.req.Params.OnToken != nil {
		s.req.Params.OnToken(piece)
	}
	// The accumulated text is kept regardless of streaming mode: it backs
	// both the completion-channel Result and stop-string matching.
	s.generatedText.WriteString(piece)
}
