// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/intentcascade/services/intent/scenario"
	"github.com/AleutianAI/intentcascade/services/intent/session"
	"github.com/AleutianAI/intentcascade/services/llm"
)

// maxPromptExamples is how many triggers per scenario the catalog summary
// shows the model.
const maxPromptExamples = 3

const tier3SystemPreamble = `You route caller utterances for a phone agent to one of the scenarios listed below.
Answer with a single JSON object and nothing else:
{"scenario_id": string, "confidence": number, "answer": string, "patterns": [{"phrase": string, "scenario_id": string, "confidence": number}]}

scenario_id: id of the best matching scenario, or "" when none fits.
confidence: how sure you are, from 0 to 1.
answer: one or two short sentences to say to the caller when no scenario fits, otherwise "".
patterns: short phrases taken from the caller's words that should route to a scenario next time. Only include a pattern when you are confident; otherwise return [].

Scenarios:
`

// buildTier3Prompt renders the catalog summary and conversation context.
func buildTier3Prompt(cleaned string, pool *scenario.Pool, turns []session.Turn) (string, []llm.Message) {
	var b strings.Builder
	b.WriteString(tier3SystemPreamble)
	for _, sc := range pool.Scenarios() {
		fmt.Fprintf(&b, "- %s", sc.ID)
		if sc.Name != "" {
			fmt.Fprintf(&b, " | %s", sc.Name)
		}
		if sc.Category != "" {
			fmt.Fprintf(&b, " | category: %s", sc.Category)
		}
		examples := sc.Triggers
		if len(examples) > maxPromptExamples {
			examples = examples[:maxPromptExamples]
		}
		if len(examples) > 0 {
			b.WriteString(" | examples: ")
			for i, ex := range examples {
				if i > 0 {
					b.WriteString("; ")
				}
				fmt.Fprintf(&b, "%q", ex)
			}
		}
		b.WriteByte('\n')
	}

	messages := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == session.RoleAgent {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: cleaned})
	return b.String(), messages
}

// tier3Answer is the JSON object the model is asked to return.
type tier3Answer struct {
	ScenarioID string          `json:"scenario_id"`
	Confidence float64         `json:"confidence"`
	Answer     string          `json:"answer"`
	Patterns   []tier3Proposal `json:"patterns"`
}

type tier3Proposal struct {
	Phrase     string  `json:"phrase"`
	ScenarioID string  `json:"scenario_id"`
	Confidence float64 `json:"confidence"`
}

// parseTier3Answer decodes the model output. Text that is not a JSON object,
// including a fenced code block around one, is treated as a free-form answer.
func parseTier3Answer(text string) tier3Answer {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var a tier3Answer
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &a) == nil {
		a.Confidence = clamp01(a.Confidence)
		return a
	}
	return tier3Answer{Answer: strings.TrimSpace(text)}
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
