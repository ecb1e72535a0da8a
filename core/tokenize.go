package core

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/slotforge/slotd/llama"
)

var mediaMarker = regexp.MustCompile(`\[media-(\d+)\]`)

// textTokenizer is the runtime collaborator's plain tokenizer.
type textTokenizer interface {
	Tokenize(text string, addSpecial, parseSpecial bool) ([]int, error)
}

// multimodalTokenizer is the external multimodal tokenizer collaborator
// (spec §1): it turns one media blob into mixed token/embedding chunks.
// Its presence (non-nil) is what selects the multimodal tokenization path
// in buildPrompt.
type multimodalTokenizer interface {
	MultimodalTokenize(ctx *llama.Context, data []byte) ([]llama.MtmdChunk, error)
}

// buildPrompt tokenizes prompt+media into a TokenBuffer, per spec §4.4.
// When mm is nil, the whole prompt goes through the text tokenizer:
// [media-N] markers are tokenized as plain text and media is ignored.
// Otherwise each [media-N] marker
// is resolved against media by attachment ID and expanded into one
// MediaChunk of contiguous placeholders, hashed for cache identity with
// FNV-1a over its raw bytes.
func buildPrompt(lc *llama.Context, tok textTokenizer, mm multimodalTokenizer, prompt string, media []MediaAttachment) (*TokenBuffer, error) {
	buf := NewTokenBuffer()

	if mm == nil {
		tokens, err := tok.Tokenize(prompt, true, true)
		if err != nil {
			return nil, fmt.Errorf("tokenize: %w", err)
		}
		for _, t := range tokens {
			buf.Append(Token(t))
		}
		return buf, nil
	}

	matches := mediaMarker.FindAllStringSubmatchIndex(prompt, -1)
	cursor := 0
	matchIdx := 0

	appendText := func(part string, addSpecial bool) error {
		if part == "" {
			return nil
		}
		tokens, err := tok.Tokenize(part, addSpecial, true)
		if err != nil {
			return fmt.Errorf("tokenize: %w", err)
		}
		for _, t := range tokens {
			buf.Append(Token(t))
		}
		return nil
	}

	for _, m := range matches {
		start, end := m[0], m[1]
		idStr := prompt[m[2]:m[3]]

		if err := appendText(prompt[cursor:start], matchIdx == 0); err != nil {
			return nil, err
		}
		cursor = end
		matchIdx++

		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid media reference: %q", idStr)
		}

		var attachment *MediaAttachment
		for i := range media {
			if media[i].ID == id {
				attachment = &media[i]
				break
			}
		}
		if attachment == nil {
			return nil, fmt.Errorf("invalid media index: %d", id)
		}

		chunk, err := tokenizeMedia(lc, mm, attachment)
		if err != nil {
			return nil, err
		}
		buf.ParseChunk(chunk)
	}

	if err := appendText(prompt[cursor:], matchIdx == 0); err != nil {
		return nil, err
	}

	return buf, nil
}

// tokenizeMedia hashes attachment's bytes for KV-cache identity and asks
// the multimodal collaborator to tokenize them, grouping every returned
// embedding-bearing piece into one contiguous MediaChunk (a single image
// or audio clip is one chunk regardless of how many embedding rows the
// collaborator split it into internally).
func tokenizeMedia(lc *llama.Context, mm multimodalTokenizer, attachment *MediaAttachment) (*MediaChunk, error) {
	cacheID := FNV1a(attachment.Data)

	pieces, err := mm.MultimodalTokenize(lc, attachment.Data)
	if err != nil {
		return nil, fmt.Errorf("multimodal tokenize: %w", err)
	}

	var embeds [][]float32
	var rawTokens []Token
	for _, p := range pieces {
		if len(p.Embed) != 0 {
			embeds = append(embeds, p.Embed)
		} else {
			for _, t := range p.Tokens {
				rawTokens = append(rawTokens, Token(t))
			}
		}
	}

	if len(embeds) == 0 {
		return &MediaChunk{Kind: attachment.Kind, CacheID: cacheID, RawTokens: rawTokens}, nil
	}

	return &MediaChunk{
		Kind:       attachment.Kind,
		CacheID:    cacheID,
		NumPos:     len(embeds),
		Embeddings: embeds,
	}, nil
}
