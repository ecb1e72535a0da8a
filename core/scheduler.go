package core

import (
	"errors"

	"github.com/slotforge/slotd/llama"
)

// planEntry is one token contributed to a decode call by one slot, kept
// alongside enough bookkeeping to route the resulting logits row back to
// its slot and to resume a halved retry at the right offset (spec §4.5).
type planEntry struct {
	slot       *Slot
	token      Token
	pos        int
	wantLogits bool
}

// tick runs one iteration of the update loop (spec §4.5). It returns true
// if it did any useful work, so the caller can decide whether to block on
// the next iteration.
func (h *Handle) tick() (bool, error) {
	h.contextShiftPass()

	entries, busy := h.buildPlan()

	if len(entries) == 0 {
		return busy, nil
	}

	// decodeWithRetry samples each window itself as soon as that window's
	// decode succeeds (spec §4.5 steps 6-7); a fatal window resets only the
	// slots contributing to that window, not the whole tick's batch.
	_ = h.decodeWithRetry(entries, len(entries))

	return true, nil
}

// runAdmissionWorker pulls one request at a time off the FIFO queue
// (spec §4.4), waits for a slot to go IDLE, and tokenizes+binds it. It
// exits once the queue is closed and drained (spec §4.5 step 3: admission
// is decoupled from the tick loop so a slow tokenization never stalls
// in-flight generation).
func (h *Handle) runAdmissionWorker() {
	for {
		req, ok := h.admission.next()
		if !ok {
			return
		}
		slot := h.waitForFreeSlot()
		if slot == nil {
			req.complete(Result{Err: ErrShutdown})
			if req.Params.OnError != nil {
				req.Params.OnError(ErrShutdown)
			}
			continue
		}
		h.bindRequest(slot, req)
	}
}

// waitForFreeSlot blocks until a slot is IDLE or the handle is stopping.
func (h *Handle) waitForFreeSlot() *Slot {
	h.slotMu.Lock()
	defer h.slotMu.Unlock()

	for {
		for _, s := range h.slots {
			if s.IsIdle() {
				return s
			}
		}
		if h.stopped {
			return nil
		}
		h.slotCond.Wait()
	}
}

// bindRequest tokenizes req's prompt and, if valid, binds it to slot.
// Rejections here never touch slot's state, since binding only happens
// after the prompt is known-good.
func (h *Handle) bindRequest(slot *Slot, req *Request) {
	fail := func(err error) {
		req.complete(Result{Err: err})
		if req.Params.OnError != nil {
			req.Params.OnError(err)
		}
	}

	// h.mtmd is a typed nil when no projector was configured; pass a true
	// nil interface so buildPrompt's mm == nil check works.
	var mm multimodalTokenizer
	if h.mtmd != nil {
		mm = h.mtmd
	}

	buf, err := buildPrompt(h.lc, h.model, mm, req.Prompt, req.Params.Media)
	if err != nil {
		fail(err)
		return
	}
	if buf.Len() == 0 {
		fail(ErrEmptyPrompt)
		return
	}
	if buf.Len() > h.cfg.NumCtx-h.cfg.NumKeep {
		fail(ErrPromptTooLong)
		return
	}
	if buf.Len() > h.cfg.NumBatch {
		fail(ErrPromptExceedsUBatch)
		return
	}

	sampler, err := NewSampler(h.model, req.Params.Sampling)
	if err != nil {
		fail(err)
		return
	}

	h.slotMu.Lock()
	h.lc.KvCacheSeqRm(slot.Id, 0, -1)
	slot.Bind(req, buf, sampler)
	// Signal while still holding the lock: a waiter that wakes only after
	// we've released it could otherwise call Wait() right after this
	// Broadcast fires and miss it, stalling until an unrelated wakeup.
	h.slotCond.Broadcast()
	h.slotMu.Unlock()
}

// contextShiftPass discards the older half of the positions that follow
// the kept prefix (n_keep, plus one for BOS) in each over-full generating
// slot's context, per spec §4.5 step 2 and §9's "configured n_ctx/n_keep
// are authoritative" resolution. A slot whose cache holds media chunks is
// not shifted.
func (h *Handle) contextShiftPass() {
	h.slotMu.Lock()
	defer h.slotMu.Unlock()

	for _, s := range h.slots {
		if s.phase != PhaseGenerating {
			continue
		}
		if s.nPast < h.cfg.NumCtx-1 {
			continue
		}
		if s.cache.HasMedia() {
			// The discard range could cut through a media chunk.
			continue
		}
		if !h.lc.KvCacheCanShift() {
			s.ResetWithError(ErrForcedReset)
			continue
		}

		nKeep := h.cfg.NumKeep
		if h.model.AddBOSToken() {
			nKeep++
		}
		if nKeep >= s.nPast {
			s.ResetWithError(ErrForcedReset)
			continue
		}

		nLeft := s.nPast - nKeep
		nDiscard := nLeft / 2
		if nDiscard <= 0 {
			continue
		}

		h.lc.KvCacheSeqRm(s.Id, nKeep, nKeep+nDiscard)
		h.lc.KvCacheSeqAdd(s.Id, nKeep+nDiscard, s.nPast, -nDiscard)
		s.cache.Shift(nKeep, nDiscard)
		s.nPast -= nDiscard
		s.truncated = true
	}
}

// buildPlan assembles this tick's decode entries: one token per generating
// slot (its last sample) and, for each slot still ingesting its prompt,
// its whole remaining prompt if that fits in the configured micro-batch
// size shared across every slot admitted into this tick (spec §4.5 step 5:
// "if batch.n_tokens + (prompt_size - n_past) > n_batch, defer this slot to
// a future tick"). Media chunks are processed out-of-band via
// processMediaChunk the moment a slot's cursor reaches one, matching the
// "one-shot" collaborator contract in spec §4.1; they never enter the
// token batch, though their placeholder positions count toward the
// remaining prompt in the fit check.
func (h *Handle) buildPlan() ([]planEntry, bool) {
	h.slotMu.Lock()
	defer h.slotMu.Unlock()

	var entries []planEntry
	did := false

	// Generation-phase slots contribute their one sampled token each
	// unconditionally; they were already accounted for when the previous
	// tick's n_batch was sized, so they never compete for this tick's
	// prefill budget. The token is fed at the current n_past and n_past is
	// advanced immediately, exactly as batch_add(sampled, n_past++) does
	// (spec §4.5 step 4) — postDecode only records the newly sampled token,
	// it never touches position bookkeeping.
	for _, s := range h.slots {
		if s.phase == PhaseGenerating {
			entries = append(entries, planEntry{slot: s, token: s.sampled, pos: s.nPast, wantLogits: true})
			s.cache.Append(s.sampled)
			s.nPast++
			did = true
		}
	}

	for _, s := range h.slots {
		switch s.phase {
		case PhaseStarted:
			s.phase = PhaseProcessingPrompt
			fallthrough
		case PhaseProcessingPrompt:
			did = true

			remaining := s.prompt.Len() - s.nPromptTokensProcessed
			if len(entries)+remaining > h.cfg.NumBatch {
				// Deferred to a future tick: admitting this slot's whole
				// remaining prompt would overflow the shared micro-batch.
				continue
			}

			// Re-align the KV cache and its Token Buffer mirror to n_past
			// before adding this tick's share of the prompt: a slot whose
			// prompt ingestion spans multiple ticks may have been deferred
			// mid-prompt with nothing beyond n_past actually decoded.
			h.lc.KvCacheSeqRm(s.Id, s.nPast, -1)
			s.cache.KeepFirst(s.nPast)

			for s.nPromptTokensProcessed < s.prompt.Len() {
				pos := s.nPromptTokensProcessed
				if chunk, err := s.prompt.FindChunk(pos); err == nil && len(chunk.Embeddings) > 0 {
					newPast, err := h.processMediaChunk(s.Id, s.nPast, chunk)
					if err != nil {
						s.ResetWithError(err)
						break
					}
					advance := chunk.NumPos
					s.nPast = newPast
					s.nPromptTokensProcessed += advance
					s.cache.ParseChunk(chunk)
					continue
				}

				tok := s.prompt.At(pos)
				last := pos == s.prompt.Len()-1
				entries = append(entries, planEntry{slot: s, token: tok, pos: s.nPast, wantLogits: last})
				s.nPast++
				s.nPromptTokensProcessed++
				s.cache.Append(tok)
				if last {
					s.phase = PhaseDonePrompt
					// The prompt itself counts toward repeat/frequency/
					// presence penalties (spec §8), but never toward the
					// grammar's parse state, which only tracks generated
					// output.
					for _, t := range s.prompt.NonPlaceholderTokens() {
						s.sampler.Accept(t, "", false)
					}
					break
				}
			}
		}
	}

	return entries, did
}

// processMediaChunk hands a fully-decoded media chunk's embeddings to the
// runtime collaborator directly, outside the regular token batch (mixing
// token and embedding rows in one llama_batch is unsupported upstream).
func (h *Handle) processMediaChunk(seqID, nPast int, chunk *MediaChunk) (int, error) {
	if len(chunk.Embeddings) == 0 {
		return nPast, nil
	}
	embedSize := len(chunk.Embeddings[0])
	batch, err := llama.NewBatch(len(chunk.Embeddings), 1, embedSize)
	if err != nil {
		return nPast, err
	}
	defer batch.Free()

	for i, e := range chunk.Embeddings {
		batch.Add(0, e, nPast+i, i == len(chunk.Embeddings)-1, seqID)
	}
	if err := h.lc.Decode(batch); err != nil {
		return nPast, ErrDecodeContext
	}
	return nPast + len(chunk.Embeddings), nil
}

// decodeWithRetry decodes entries in one shot, halving the window and
// retrying in two sub-batches when the collaborator reports a full KV
// slot, per spec §4.5 step 6. Each window that decodes successfully is
// sampled immediately via postDecode (spec §4.5 step 7), since only that
// window's own Decode call leaves its logits available — a later
// sub-batch's Decode overwrites them. A window of 1 that still fails is
// fatal and resets only the slots contributing to that window.
func (h *Handle) decodeWithRetry(entries []planEntry, window int) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := llama.NewBatch(len(entries), len(h.slots), 0)
	if err != nil {
		h.failEntries(entries, ErrDecodeContext)
		return ErrDecodeContext
	}
	defer batch.Free()

	for i, e := range entries {
		batch.Add(int(e.token), nil, e.pos, e.wantLogits, e.slot.Id)
		if e.wantLogits {
			e.slot.iBatch = i
		}
	}

	err = h.lc.Decode(batch)
	if err == nil {
		h.postDecode(entries)
		return nil
	}
	if !errors.Is(err, llama.ErrKvCacheFull) {
		h.failEntries(entries, ErrDecodeCompute)
		return ErrDecodeCompute
	}
	if window <= 1 {
		h.failEntries(entries, ErrDecodeContext)
		return ErrDecodeContext
	}

	mid := len(entries) / 2
	if mid == 0 {
		h.failEntries(entries, ErrDecodeContext)
		return ErrDecodeContext
	}
	if err := h.decodeWithRetry(entries[:mid], mid); err != nil {
		return err
	}
	return h.decodeWithRetry(entries[mid:], len(entries)-mid)
}

// failEntries resets every distinct slot contributing to entries with err.
// Used when a window's decode fails unrecoverably; slots outside this
// window that already sampled successfully in an earlier window are left
// untouched.
func (h *Handle) failEntries(entries []planEntry, err error) {
	h.slotMu.Lock()
	defer h.slotMu.Unlock()

	seen := map[int]bool{}
	for _, e := range entries {
		if !seen[e.slot.Id] {
			seen[e.slot.Id] = true
			e.slot.ResetWithError(err)
		}
	}
}

// postDecode samples the next token for every slot whose contribution to
// this tick carried logits, applies stop conditions, and streams or
// completes accordingly (spec §4.5 step 7).
func (h *Handle) postDecode(entries []planEntry) {
	h.slotMu.Lock()
	defer h.slotMu.Unlock()

	for _, e := range entries {
		if !e.wantLogits {
			continue
		}
		s := e.slot

		switch s.phase {
		case PhaseDonePrompt:
			s.phase = PhaseGenerating
			fallthrough
		case PhaseGenerating:
			tok, err := s.sampler.Sample(h.lc, s.iBatch, h.cfg.GrammarFirst)
			s.iBatch = -1
			if err != nil {
				s.ResetWithError(err)
				continue
			}
			piece := h.model.TokenToPiece(int(tok))
			s.sampler.Accept(tok, piece, true)
			s.sampled = tok
			s.nDecoded++

			isEOG := h.model.TokenIsEog(int(tok))
			if !s.ProcessToken(isEOG, tok, piece) {
				if !isEOG {
					s.Emit(piece)
				}
				s.Release()
				h.slotCond.Broadcast()
				continue
			}
			s.Emit(piece)
		}
	}
}
