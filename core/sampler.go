package core

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/slotforge/slotd/llama"
)

// vocab is the subset of the runtime collaborator's model interface the
// sampler needs: vocabulary size, EOG predicate, and detokenization.
type vocab interface {
	NumVocab() int
	TokenIsEog(token int) bool
	TokenToPiece(token int) string
}

// decodeContext is the subset of the runtime collaborator's context the
// sampler reads logits from.
type decodeContext interface {
	GetLogitsIth(i int) []float32
}

// Sampler is the per-slot stochastic selector described in spec §4.2: a
// configured chain of stages plus an optional lazily-activated grammar.
type Sampler struct {
	cfg   SamplingConfig
	chain *llama.SamplerChain

	grammar       *llama.Grammar
	triggers      *triggerSet
	grammarActive bool
	generatedText string

	history     []Token
	historyHead int
	historyLen  int

	vocabSize int

	// lastEntropy is a diagnostic-only surprisal estimate of the softmaxed
	// raw logits (before any chain stage), computed with gonum/stat when
	// a Mirostat variant is configured (the chain's own target-surprisal
	// bookkeeping stays inside the runtime collaborator; this is purely
	// for DumpSlots-style observability).
	lastEntropy float64
}

// NewSampler builds a fresh chain from cfg. model supplies the vocabulary
// needed to size the candidate array and, if a grammar is configured, to
// compile it.
func NewSampler(model vocab, cfg SamplingConfig) (*Sampler, error) {
	vocabSize := model.NumVocab()

	chain, err := buildChain(cfg, vocabSize)
	if err != nil {
		return nil, err
	}

	s := &Sampler{
		cfg:       cfg,
		chain:     chain,
		vocabSize: vocabSize,
		history:   make([]Token, max(32, cfg.NPrev)),
	}

	if cfg.GrammarSource != "" {
		ids := make([]uint32, model.NumVocab())
		pieces := make([]string, model.NumVocab())
		var eog []int32
		for i := 0; i < model.NumVocab(); i++ {
			ids[i] = uint32(i)
			pieces[i] = model.TokenToPiece(i)
			if model.TokenIsEog(i) {
				eog = append(eog, int32(i))
			}
		}
		g := llama.NewGrammar(cfg.GrammarSource, ids, pieces, eog)
		if g == nil {
			return nil, fmt.Errorf("core: failed to compile grammar")
		}
		s.grammar = g

		ts, err := newTriggerSet(cfg.GrammarTriggers)
		if err != nil {
			return nil, err
		}
		s.triggers = ts
		s.grammarActive = !cfg.GrammarLazy
	}

	return s, nil
}

func buildChain(cfg SamplingConfig, vocabSize int) (*llama.SamplerChain, error) {
	chain, err := llama.NewSamplerChain()
	if err != nil {
		return nil, err
	}

	switch cfg.Mirostat {
	case MirostatOff:
		for _, stage := range cfg.Samplers {
			switch stage {
			case StagePenalties:
				chain.AddPenalties(cfg.PenaltyLastN, cfg.PenaltyRepeat, cfg.PenaltyFreq, cfg.PenaltyPresent)
			case StageDRY:
				chain.AddDRY(0, cfg.DRYMultiplier, cfg.DRYBase, cfg.DRYAllowedLength, cfg.DRYPenaltyLastN, cfg.DRYSequenceBreak)
			case StageTopNSigma:
				chain.AddTopNSigma(cfg.TopNSigma)
			case StageTopK:
				chain.AddTopK(cfg.TopK)
			case StageTypicalP:
				chain.AddTypicalP(cfg.TypicalP, cfg.MinKeep)
			case StageTopP:
				chain.AddTopP(cfg.TopP, cfg.MinKeep)
			case StageMinP:
				chain.AddMinP(cfg.MinP, cfg.MinKeep)
			case StageXTC:
				chain.AddXTC(cfg.XTCProbability, cfg.XTCThreshold, cfg.MinKeep, cfg.Seed)
			case StageTemperature:
				if cfg.DynatempRange > 0 {
					chain.AddDynamicTemp(cfg.Temp, cfg.DynatempRange, cfg.DynatempExp)
				} else {
					chain.AddTemp(cfg.Temp)
				}
			case StageInfill:
				// Infill needs the model's vocab pieces (to tell real tokens
				// from partial-UTF8/control tokens) threaded through at chain
				// construction time, which NewSampler's vocab interface does
				// not carry. Rather than silently drop the stage, refuse the
				// config.
				return nil, ErrUnsupportedSamplerStage
			}
		}
		chain.AddDist(cfg.Seed)
	case MirostatV1:
		chain.AddTemp(cfg.Temp)
		chain.AddMirostatV1(vocabSize, cfg.Seed, cfg.MirostatTau, cfg.MirostatEta, 100)
	case MirostatV2:
		chain.AddTemp(cfg.Temp)
		chain.AddMirostatV2(cfg.Seed, cfg.MirostatTau, cfg.MirostatEta)
	default:
		return nil, ErrUnknownMirostat
	}

	return chain, nil
}

func (s *Sampler) candidates(ctx decodeContext, idx int) []llama.TokenData {
	logits := ctx.GetLogitsIth(idx)
	candidates := make([]llama.TokenData, len(logits))
	for i, l := range logits {
		candidates[i] = llama.TokenData{ID: int32(i), Logit: l}
	}
	return candidates
}

// checkGrammar applies the grammar in isolation to a single candidate and
// reports whether its logit survived (finite), i.e. the grammar accepts
// this token right now.
func (s *Sampler) checkGrammar(token Token, logit float32) bool {
	if s.grammar == nil || !s.grammarActive {
		return true
	}
	single := []llama.TokenData{{ID: int32(token), Logit: logit}}
	s.grammar.Apply(single)
	return !isNegInf(single[0].Logit)
}

func isNegInf(f float32) bool {
	return f < -1e30
}

// updateEntropy recomputes the diagnostic surprisal estimate from the raw
// logits, softmaxed into a probability simplex.
func (s *Sampler) updateEntropy(candidates []llama.TokenData) {
	probs := make([]float64, len(candidates))
	var maxLogit float32
	for i, c := range candidates {
		if i == 0 || c.Logit > maxLogit {
			maxLogit = c.Logit
		}
	}
	var sum float64
	for i, c := range candidates {
		p := math.Exp(float64(c.Logit - maxLogit))
		probs[i] = p
		sum += p
	}
	if sum == 0 {
		s.lastEntropy = 0
		return
	}
	for i := range probs {
		probs[i] /= sum
	}
	s.lastEntropy = stat.Entropy(probs)
}

// LastEntropy returns the most recent Mirostat diagnostic surprisal
// estimate, or 0 if no Mirostat variant is configured.
func (s *Sampler) LastEntropy() float64 {
	return s.lastEntropy
}

// VocabSize returns the vocabulary size this sampler was built against.
func (s *Sampler) VocabSize() int {
	return s.vocabSize
}

// Sample implements spec §4.2's sampling algorithm. idx selects the
// logits row (as the runtime collaborator indexes it); grammarFirst picks
// between the two algorithm instantiations sharing this implementation
// (spec §9's sample_grammar_first / sample_then_check).
func (s *Sampler) Sample(ctx decodeContext, idx int, grammarFirst bool) (Token, error) {
	candidates := s.candidates(ctx, idx)

	if s.cfg.Mirostat != MirostatOff {
		s.updateEntropy(candidates)
	}

	if grammarFirst {
		if s.grammar != nil && s.grammarActive {
			s.grammar.Apply(candidates)
		}
		selected := s.chain.Apply(candidates)
		if selected < 0 {
			return 0, ErrSamplerFailure
		}
		return Token(candidates[selected].ID), nil
	}

	selected := s.chain.Apply(candidates)
	if selected < 0 {
		return 0, ErrSamplerFailure
	}
	t := Token(candidates[selected].ID)

	if s.grammar == nil || !s.grammarActive || s.checkGrammar(t, candidates[selected].Logit) {
		return t, nil
	}

	// Resample: rebuild from the original logits, grammar then chain.
	candidates = s.candidates(ctx, idx)
	s.grammar.Apply(candidates)
	selected = s.chain.Apply(candidates)
	if selected < 0 {
		return 0, ErrSamplerFailure
	}
	return Token(candidates[selected].ID), nil
}

// Accept advances penalty/chain history for token. The grammar is only
// informed (its parse state advanced, and lazy-trigger text matched)
// when acceptGrammar is true; piece is the detokenized text for token,
// used to test lazy grammar triggers, and may be empty during prompt
// ingestion.
func (s *Sampler) Accept(token Token, piece string, acceptGrammar bool) {
	s.history[s.historyHead] = token
	s.historyHead = (s.historyHead + 1) % len(s.history)
	if s.historyLen < len(s.history) {
		s.historyLen++
	}

	s.chain.Accept(int(token))

	if !acceptGrammar || s.grammar == nil {
		return
	}

	if !s.grammarActive {
		s.generatedText += piece
		if s.triggers.matches(s.generatedText, token) {
			s.grammarActive = true
		}
		return
	}

	s.grammar.Accept(int32(token))
}

// Reset clears the chain's stage history, the accepted-token ring buffer
// and the lazy-trigger text, and re-arms a lazy grammar; configuration is
// kept, and the compiled grammar's parse state is not reset. Per spec
// §9's open-question resolution, a new Request gets a fresh Sampler
// rather than a reset one, so Reset exists for completeness/testing.
func (s *Sampler) Reset() {
	s.chain.Reset()
	s.historyHead = 0
	s.historyLen = 0
	s.history = make([]Token, len(s.history))
	s.generatedText = ""
	s.grammarActive = s.grammar != nil && !s.cfg.GrammarLazy
}

// History returns the ring buffer of previously accepted tokens, oldest
// first, for diagnostics. Only positions actually written by Accept are
// returned, so a legitimately-accepted token id 0 is never mistaken for an
// empty slot.
func (s *Sampler) History() []Token {
	out := make([]Token, 0, s.historyLen)
	start := (s.historyHead - s.historyLen + len(s.history)) % len(s.history)
	for i := 0; i < s.historyLen; i++ {
		idx := (start + i) % len(s.history)
		out = append(out, s.history[idx])
	}
	return out
}
