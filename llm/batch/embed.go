package batch

import (
	"context"

	"github.com/BaSui01/flowrun/llm"
)

// EmbedBatchParallel embeds every sub-request concurrently. Results[i] holds
// the vectors for requests[i]; an empty sub-request fails only its own item.
func EmbedBatchParallel(ctx context.Context, c *Coordinator, p llm.Provider, requests [][]string, opts ...RunOption) (*Response[[][]float32], error) {
	opts = append([]RunOption{WithCallOptions(llm.WithOperation("embed_batch"))}, opts...)
	return Run(ctx, c, requests, func(ctx context.Context, texts []string) ([][]float32, error) {
		if err := llm.ValidateTexts(texts); err != nil {
			return nil, err
		}
		return p.Embed(ctx, texts)
	}, opts...)
}

// ChunkTexts splits texts into consecutive sub-requests of at most size entries.
func ChunkTexts(texts []string, size int) [][]string {
	if size <= 0 {
		size = DefaultConfig().BatchSize
	}
	chunks := make([][]string, 0, (len(texts)+size-1)/size)
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		chunks = append(chunks, texts[start:end])
	}
	return chunks
}

// EmbedTexts chunks texts by the configured BatchSize, embeds the chunks in
// parallel and flattens the vectors back into input order. Any failed chunk
// fails the call, since callers need a vector for every text.
func EmbedTexts(ctx context.Context, c *Coordinator, p llm.Provider, texts []string, opts ...RunOption) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}
	resp, err := EmbedBatchParallel(ctx, c, p, ChunkTexts(texts, c.cfg.BatchSize), opts...)
	if err != nil {
		return nil, err
	}
	if err := resp.FirstError(); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, r := range resp.Results {
		out = append(out, r.Value...)
	}
	return out, nil
}
