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

package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/shardstream/shardstream/pkg/errors"
)

const extractionPrompt = `Extract the named entities from the text below.
Return ONLY a JSON array, no prose. Each element:
{"kind": "contact|account|organization|location|date",
 "name": "display name",
 "confidence": 0.0-1.0,
 "attributes": {"email": "...", "domain": "...", "date": "YYYY-MM-DD"}}
Include an attribute only when the text states it. Skip entities you are not
at least moderately confident about.

Text:
%s`

// maxInputLength bounds the text sent to the model. Longer shard bodies are
// truncated; entity density beyond this adds little.
const maxInputLength = 8000

// LLMExtractor asks a chat model for entities as structured JSON.
type LLMExtractor struct {
	model llms.Model
}

// NewLLMExtractor builds an extractor over an OpenAI-compatible chat
// endpoint. An empty baseURL targets api.openai.com.
func NewLLMExtractor(token, baseURL, model string) (*LLMExtractor, error) {
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating chat client, %w", err)
	}
	return &LLMExtractor{model: client}, nil
}

// NewLLMExtractorWithModel wraps an already-constructed model, for tests and
// alternative providers.
func NewLLMExtractorWithModel(model llms.Model) *LLMExtractor {
	return &LLMExtractor{model: model}
}

func (e *LLMExtractor) Extract(ctx context.Context, text string) ([]Entity, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if len(text) > maxInputLength {
		text = text[:maxInputLength]
	}

	response, err := llms.GenerateFromSinglePrompt(ctx, e.model,
		fmt.Sprintf(extractionPrompt, text),
		llms.WithTemperature(0))
	if err != nil {
		return nil, errors.New(errors.KindRetryable, fmt.Errorf("extracting entities, %w", err))
	}

	entities, err := parseEntities(response)
	if err != nil {
		return nil, err
	}
	valid := entities[:0]
	for _, entity := range entities {
		if entity.Name == "" || ShardType(entity.Kind) == "" {
			continue
		}
		if entity.Confidence < 0 {
			entity.Confidence = 0
		}
		if entity.Confidence > 1 {
			entity.Confidence = 1
		}
		valid = append(valid, entity)
	}
	return valid, nil
}

// parseEntities tolerates models that wrap the array in a code fence.
func parseEntities(response string) ([]Entity, error) {
	response = strings.TrimSpace(response)
	if start := strings.Index(response, "["); start >= 0 {
		if end := strings.LastIndex(response, "]"); end > start {
			response = response[start : end+1]
		}
	}
	var entities []Entity
	if err := json.Unmarshal([]byte(response), &entities); err != nil {
		return nil, errors.New(errors.KindValidation, fmt.Errorf("parsing extraction response, %w", err))
	}
	return entities, nil
}
