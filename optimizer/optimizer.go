// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package optimizer turns a raw medical question into retrieval text.
//
// Optimization never fails: any problem with the rewrite backend degrades
// to the unmodified question.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
	"github.com/poiesic/medrag/ai"
	"github.com/poiesic/medrag/core"
)

const (
	DefaultHistoryTurns = 6
	DefaultTemperature  = 0.1

	// maxRewriteRunes rejects rewrites that are clearly not a single query.
	maxRewriteRunes = 200
)

// Result is the outcome of optimizing one question.
type Result struct {
	// Original is the question as asked.
	Original string
	// Rewritten is the LLM rewrite, or Original when rewriting was skipped or failed.
	Rewritten string
	// Normalized is Rewritten after synonym normalization.
	Normalized string
	Symptoms   []string
	Categories []Category
	Emergency  bool
	// Degraded is set when the rewrite backend failed and Original was used.
	Degraded bool
}

// Query returns the retrieval text: the normalized query followed by any
// extracted symptom terms it does not already contain.
func (r Result) Query() string {
	var b strings.Builder
	b.WriteString(r.Normalized)
	for _, s := range r.Symptoms {
		if !strings.Contains(r.Normalized, s) {
			b.WriteByte(' ')
			b.WriteString(s)
		}
	}
	return b.String()
}

// Optimizer rewrites and normalizes questions.
type Optimizer struct {
	generator       ai.Generator
	enableRewrite   bool
	enableNormalize bool
	historyTurns    int
	temperature     float64
	logger          *slog.Logger
}

// Option configures an Optimizer.
type Option func(*Optimizer) error

func WithLogger(logger *slog.Logger) Option {
	return func(o *Optimizer) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// WithRewrite toggles the LLM rewrite step.
func WithRewrite(enabled bool) Option {
	return func(o *Optimizer) error {
		o.enableRewrite = enabled
		return nil
	}
}

// WithNormalize toggles synonym normalization.
func WithNormalize(enabled bool) Option {
	return func(o *Optimizer) error {
		o.enableNormalize = enabled
		return nil
	}
}

// WithHistoryTurns sets how many recent messages inform the rewrite.
func WithHistoryTurns(n int) Option {
	return func(o *Optimizer) error {
		if n < 0 {
			return fmt.Errorf("history turns must not be negative, got %d", n)
		}
		o.historyTurns = n
		return nil
	}
}

// WithTemperature sets the rewrite sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Optimizer) error {
		o.temperature = t
		return nil
	}
}

// New creates an Optimizer. A nil generator disables rewriting.
func New(generator ai.Generator, opts ...Option) (*Optimizer, error) {
	o := &Optimizer{
		generator:       generator,
		enableRewrite:   true,
		enableNormalize: true,
		historyTurns:    DefaultHistoryTurns,
		temperature:     DefaultTemperature,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if generator == nil {
		o.enableRewrite = false
	}
	o.logger = o.logger.With("component", "optimizer")
	return o, nil
}

// CacheText returns the deterministic form of question used to build cache
// keys. It never calls the rewrite backend.
func (o *Optimizer) CacheText(question string) string {
	if o.enableNormalize {
		return Normalize(question)
	}
	return Canonical(question)
}

// Optimize rewrites, normalizes and classifies question. history holds
// earlier turns of the conversation, oldest first, and may be nil.
func (o *Optimizer) Optimize(ctx context.Context, question string, history []core.Message) Result {
	res := Result{
		Original:  question,
		Rewritten: question,
	}

	trimmed := strings.TrimSpace(question)
	if trimmed == "" {
		return res
	}

	if o.enableRewrite {
		rewritten, err := o.rewrite(ctx, trimmed, history)
		if err != nil {
			o.logger.Warn("query rewrite failed, using original question", "err", err)
			res.Degraded = true
		} else {
			res.Rewritten = rewritten
		}
	}

	if o.enableNormalize {
		res.Normalized = Normalize(res.Rewritten)
	} else {
		res.Normalized = Canonical(res.Rewritten)
	}
	if res.Normalized == "" {
		res.Normalized = Canonical(question)
	}

	res.Symptoms = ExtractSymptoms(question + " " + res.Rewritten)
	res.Categories = Classify(Normalize(question) + " " + res.Normalized)
	res.Emergency = IsEmergency(res.Categories)
	if res.Emergency {
		o.logger.Warn("emergency keywords detected", "question", trimmed, "categories", res.Categories)
	}

	o.logger.Debug("query optimized",
		"original", trimmed,
		"rewritten", res.Rewritten,
		"normalized", res.Normalized,
		"symptoms", res.Symptoms)
	return res
}

const rewriteSystemPrompt = `你是一个医疗问诊检索助手。请将用户的提问改写成一句仅包含医学相关关键信息的检索用问句，用于在医疗知识库中检索。

要求：
1. 保留症状、部位、药物、疾病、检查等关键信息；
2. 若有指代（如「这个药」「上面的症状」），结合上下文替换为具体内容；
3. 去掉礼貌用语、语气词，输出简短一句，不要解释；
4. 若问题已清晰且无指代，可稍作同义替换（如「头疼」→「头痛」）以利检索。

只输出 JSON：{"query": "改写后的检索用问句"}`

type rewriteResponse struct {
	Query string `json:"query"`
}

var thinkTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

func (o *Optimizer) rewrite(ctx context.Context, question string, history []core.Message) (string, error) {
	var user strings.Builder
	if recent := o.recentHistory(history); len(recent) > 0 {
		user.WriteString("最近对话：\n")
		for _, m := range recent {
			fmt.Fprintf(&user, "%s: %s\n", m.Role, m.Content)
		}
		user.WriteString("\n")
	}
	fmt.Fprintf(&user, "用户当前问题：%s", question)

	messages := []core.Message{
		{Role: core.RoleSystem, Content: rewriteSystemPrompt},
		{Role: core.RoleUser, Content: user.String()},
	}

	raw, err := o.generator.Generate(ctx, messages,
		ai.WithJSONMode(),
		ai.WithCallTemperature(o.temperature))
	if err != nil {
		return "", err
	}
	return parseRewrite(raw)
}

func (o *Optimizer) recentHistory(history []core.Message) []core.Message {
	if o.historyTurns == 0 || len(history) == 0 {
		return nil
	}
	start := len(history) - o.historyTurns
	if start < 0 {
		start = 0
	}
	recent := make([]core.Message, 0, len(history)-start)
	for _, m := range history[start:] {
		if m.Role != "" && strings.TrimSpace(m.Content) != "" {
			recent = append(recent, m)
		}
	}
	return recent
}

// parseRewrite extracts the rewritten query from a model response. Broken
// JSON is repaired; a bare single-line answer is accepted as is.
func parseRewrite(raw string) (string, error) {
	raw = strings.TrimSpace(thinkTags.ReplaceAllString(raw, ""))
	if raw == "" {
		return "", fmt.Errorf("empty rewrite response")
	}

	var query string
	repaired, err := jsonrepair.JSONRepair(raw)
	if err == nil {
		var resp rewriteResponse
		if jerr := json.Unmarshal([]byte(repaired), &resp); jerr == nil {
			query = resp.Query
		}
	}
	if query == "" && !strings.ContainsAny(raw, "{}\n") {
		query = raw
	}

	query = strings.Trim(strings.TrimSpace(query), "\"'“”「」")
	if query == "" {
		return "", fmt.Errorf("rewrite response has no query: %q", raw)
	}
	if utf8.RuneCountInString(query) > maxRewriteRunes {
		return "", fmt.Errorf("rewrite response too long (%d runes)", utf8.RuneCountInString(query))
	}
	return query, nil
}
