package semantic

import (
	"context"
	"fmt"

	"github.com/kisan-ai/kcc-assistant/engine/domain"
)

// Embedder turns text into vectors. Implementations: ollama.EmbedClient,
// oai.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

const dimensionProbe = "dimension probe"

// CheckDimensions embeds a probe string and compares its length with the
// index. A mismatch wraps domain.ErrDimensionMismatch.
func CheckDimensions(ctx context.Context, emb Embedder, idx Index) error {
	v, err := emb.Embed(ctx, dimensionProbe)
	if err != nil {
		return fmt.Errorf("semantic: probe embedder: %w", err)
	}
	if len(v) != idx.Dimensions() {
		return fmt.Errorf("semantic: embedder vs index: %w", &domain.DimensionError{Want: idx.Dimensions(), Got: len(v)})
	}
	return nil
}
