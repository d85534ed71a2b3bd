/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retrieval answers search queries over the shard store: semantic and
// hybrid vector search with project scoping, ACL filtering, and provenance
// gating for derived shards.
package retrieval

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"

	"github.com/shardstream/shardstream/pkg/errors"
)

// Embedder turns text into the vector space shared with stored shards.
// Queries must use the same model the enrichment worker embedded with.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

type embeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client embeddingClient
	model  string
}

// NewOpenAIEmbedder builds an embedder against the given endpoint. An empty
// baseURL targets api.openai.com.
func NewOpenAIEmbedder(token, baseURL, model string) (*OpenAIEmbedder, error) {
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating embeddings client, %w", err)
	}
	return &OpenAIEmbedder{client: client, model: model}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.client.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, errors.New(errors.KindRetryable, fmt.Errorf("embedding query with %s, %w", e.model, err))
	}
	if len(vectors) == 0 {
		return nil, errors.Newf(errors.KindRetryable, "embeddings endpoint returned no vector for model %s", e.model)
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) Model() string { return e.model }
