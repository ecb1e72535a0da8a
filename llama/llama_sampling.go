// llama_sampling.go binds the runtime's per-stage sampler chain and its
// grammar object. Stage composition and ordering are the core package's
// responsibility (spec's Sampler component); this file only exposes the
// primitives llama.cpp's public C API provides for building a chain.

package llama

/*
#include <stdlib.h>
#include "llama.h"
#include "sampling_ext.h"
*/
import "C"

import (
	"errors"
	"runtime"
	"sync"
	"unsafe"
)

// SamplerChain wraps a llama_sampler chain: an ordered sequence of stages
// applied to a candidate array, terminating in a stage that selects one
// token.
type SamplerChain struct {
	c *C.struct_llama_sampler
}

// NewSamplerChain allocates an empty chain. Stages are appended with the
// Add* methods in the order the caller wants them applied.
func NewSamplerChain() (*SamplerChain, error) {
	params := C.llama_sampler_chain_default_params()
	c := C.llama_sampler_chain_init(params)
	if c == nil {
		return nil, errors.New("unable to create sampler chain")
	}
	chain := &SamplerChain{c: c}
	runtime.SetFinalizer(chain, func(s *SamplerChain) { C.llama_sampler_free(s.c) })
	return chain, nil
}

func (s *SamplerChain) add(stage *C.struct_llama_sampler) {
	C.llama_sampler_chain_add(s.c, stage)
}

// AddPenalties appends the repetition/frequency/presence penalty stage
// operating over the last penaltyLastN accepted tokens.
func (s *SamplerChain) AddPenalties(penaltyLastN int, repeat, freq, present float32) {
	s.add(C.llama_sampler_init_penalties(C.int32_t(penaltyLastN), C.float(repeat), C.float(freq), C.float(present)))
}

// AddDRY appends the DRY (don't-repeat-yourself) repetition stage.
func (s *SamplerChain) AddDRY(nCtxTrain int, multiplier, base float32, allowedLength, lastN int32, seqBreakers []string) {
	cBreakers := make([]*C.char, len(seqBreakers))
	for i, b := range seqBreakers {
		cBreakers[i] = C.CString(b)
	}
	defer func() {
		for _, b := range cBreakers {
			C.free(unsafe.Pointer(b))
		}
	}()
	var breakersPtr **C.char
	if len(cBreakers) > 0 {
		breakersPtr = &cBreakers[0]
	}
	s.add(C.llama_sampler_init_dry_shim(C.int32_t(nCtxTrain), C.float(multiplier), C.float(base), C.int32_t(allowedLength), C.int32_t(lastN), breakersPtr, C.size_t(len(cBreakers))))
}

// AddTopNSigma appends the top-n-sigma truncation stage.
func (s *SamplerChain) AddTopNSigma(n float32) {
	s.add(C.llama_sampler_init_top_n_sigma(C.float(n)))
}

// AddTopK appends the top-k truncation stage.
func (s *SamplerChain) AddTopK(k int) {
	s.add(C.llama_sampler_init_top_k(C.int32_t(k)))
}

// AddTypicalP appends the locally-typical sampling stage.
func (s *SamplerChain) AddTypicalP(p float32, minKeep int) {
	s.add(C.llama_sampler_init_typical(C.float(p), C.size_t(minKeep)))
}

// AddTopP appends the nucleus (top-p) sampling stage.
func (s *SamplerChain) AddTopP(p float32, minKeep int) {
	s.add(C.llama_sampler_init_top_p(C.float(p), C.size_t(minKeep)))
}

// AddMinP appends the min-p sampling stage.
func (s *SamplerChain) AddMinP(p float32, minKeep int) {
	s.add(C.llama_sampler_init_min_p(C.float(p), C.size_t(minKeep)))
}

// AddXTC appends the exclude-top-choices stage.
func (s *SamplerChain) AddXTC(probability, threshold float32, minKeep int, seed uint32) {
	s.add(C.llama_sampler_init_xtc(C.float(probability), C.float(threshold), C.size_t(minKeep), C.uint32_t(seed)))
}

// AddTemp appends a plain temperature stage.
func (s *SamplerChain) AddTemp(temp float32) {
	s.add(C.llama_sampler_init_temp(C.float(temp)))
}

// AddDynamicTemp appends a dynamic-temperature (entropy-scaled) stage.
func (s *SamplerChain) AddDynamicTemp(temp, delta, exponent float32) {
	s.add(C.llama_sampler_init_temp_ext(C.float(temp), C.float(delta), C.float(exponent)))
}

// AddInfill appends the infill-aware stage used for fill-in-the-middle
// sampling.
func (s *SamplerChain) AddInfill(model *Model) {
	s.add(C.llama_sampler_init_infill(model.Vocab()))
}

// AddMirostatV1 appends the Mirostat v1 target-surprisal stage.
func (s *SamplerChain) AddMirostatV1(nVocab int, seed uint32, tau, eta float32, m int) {
	s.add(C.llama_sampler_init_mirostat(C.int32_t(nVocab), C.uint32_t(seed), C.float(tau), C.float(eta), C.int32_t(m)))
}

// AddMirostatV2 appends the Mirostat v2 target-surprisal stage.
func (s *SamplerChain) AddMirostatV2(seed uint32, tau, eta float32) {
	s.add(C.llama_sampler_init_mirostat_v2(C.uint32_t(seed), C.float(tau), C.float(eta)))
}

// AddDist appends the final distribution-sampling stage, seeded for
// determinism. Every chain must end with exactly one such stage.
func (s *SamplerChain) AddDist(seed uint32) {
	s.add(C.llama_sampler_init_dist(C.uint32_t(seed)))
}

// Apply runs every stage in order against the candidate array, mutating
// each candidate's Logit and (from the final distribution stage) marking
// one candidate selected. It returns that candidate's index.
func (s *SamplerChain) Apply(candidates []TokenData) int {
	tds := make([]C.struct_llama_token_data, len(candidates))
	for i, c := range candidates {
		tds[i] = C.struct_llama_token_data{
			id:    C.int32_t(c.ID),
			logit: C.float(c.Logit),
			p:     C.float(0.0),
		}
	}
	tda := C.llama_token_data_array{
		data:     (*C.struct_llama_token_data)(unsafe.Pointer(&tds[0])),
		size:     C.size_t(len(candidates)),
		selected: C.int64_t(-1),
		sorted:   C.bool(false),
	}
	var pinner runtime.Pinner
	pinner.Pin(&tds[0])
	defer pinner.Unpin()

	C.llama_sampler_apply(s.c, &tda)

	for i := range candidates {
		candidates[i].Logit = float32(tds[i].logit)
	}

	return int(tda.selected)
}

// Accept informs every stateful stage (penalties, DRY, mirostat) that
// token was produced, updating their internal history.
func (s *SamplerChain) Accept(token int) {
	C.llama_sampler_accept(s.c, C.llama_token(token))
}

// Reset clears all stage-internal history without discarding configuration.
func (s *SamplerChain) Reset() {
	C.llama_sampler_reset(s.c)
}

// Free releases the chain's native resources immediately.
func (s *SamplerChain) Free() {
	if s.c != nil {
		C.llama_sampler_free(s.c)
		s.c = nil
	}
}

// TokenData is a single scored candidate in a sampling pass.
type TokenData struct {
	ID    int32
	Logit float32
}

// Grammar wraps a compiled grammar sampler used both as a standalone
// single-token checker (core's grammar-aware resampling) and, via Apply,
// inline within a candidate array.
type Grammar struct {
	c  *C.struct_llama_grammar
	mu sync.Mutex
}

// NewGrammar compiles source against the vocabulary. eogTokens lets the
// underlying grammar engine treat end-of-generation tokens correctly even
// under a restrictive grammar.
func NewGrammar(grammar string, vocabIds []uint32, vocabValues []string, eogTokens []int32) *Grammar {
	cGrammar := C.CString(grammar)
	defer C.free(unsafe.Pointer(cGrammar))

	cTokens := make([]C.uint32_t, len(vocabIds))
	for i, token := range vocabIds {
		cTokens[i] = C.uint32_t(token)
	}

	cPieces := make([]*C.char, len(vocabValues))
	for i, piece := range vocabValues {
		cPieces[i] = C.CString(piece)
		defer C.free(unsafe.Pointer(cPieces[i]))
	}

	cEogTokens := make([]C.uint32_t, len(eogTokens))
	for i, token := range eogTokens {
		cEogTokens[i] = C.uint32_t(token)
	}

	g := C.grammar_init(cGrammar, unsafe.SliceData(cTokens), C.size_t(len(cTokens)), unsafe.SliceData(cPieces), unsafe.SliceData(cEogTokens), C.size_t(len(cEogTokens)))
	if g == nil {
		return nil
	}

	return &Grammar{c: g}
}

func (g *Grammar) Free() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.c != nil {
		C.grammar_free(g.c)
		g.c = nil
	}
}

// Apply mutates each candidate's Logit in place; a candidate the grammar
// rejects is left at negative infinity.
func (g *Grammar) Apply(tokens []TokenData) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.c == nil || len(tokens) == 0 {
		return
	}

	tds := make([]C.struct_llama_token_data, len(tokens))
	for i, token := range tokens {
		tds[i] = C.struct_llama_token_data{
			id:    C.int32_t(token.ID),
			logit: C.float(token.Logit),
			p:     C.float(0.0),
		}
	}
	tda := &C.llama_token_data_array{
		data:     (*C.struct_llama_token_data)(unsafe.Pointer(&tds[0])),
		size:     C.size_t(len(tokens)),
		selected: C.int64_t(-1),
		sorted:   C.bool(false),
	}
	var pinner runtime.Pinner
	pinner.Pin(&tds[0])
	defer pinner.Unpin()

	C.grammar_apply(g.c, tda)
	for i := range tokens {
		tokens[i].Logit = float32(tds[i].logit)
	}
}

// Accept commits token to the grammar's internal parse state. Call only
// when the caller intends the grammar to track this token (spec's
// accept_grammar=true path).
func (g *Grammar) Accept(token int32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.c == nil {
		return
	}

	C.grammar_accept(g.c, C.llama_token(token))
}
