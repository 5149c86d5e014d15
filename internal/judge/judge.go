// Package judge scores finished conversations: a panel of judge models
// each reviews the transcript and reports issues as strict JSON, then an
// aggregator model (with a deterministic code fallback) combines them
// into one report.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"benchduo/internal/duo"
	"benchduo/internal/engine"
)

const judgeTemplate = "You are an expert evaluator. Analyze the conversation and return strict JSON with this exact shape: " +
	`{"issues":[{"message_index":0,"category":"hallucination|forbidden|other","excerpt":"text","severity":1}],` +
	`"completion_score":0,"realistic_score":0,"notes":"short summary"}. ` +
	"Severity range is 1-5. completion_score and realistic_score are 0-100 integers. " +
	"Only include an issue if a concrete problem exists and always map message_index to the conversation list index.\n\n" +
	"Conversation:\n%s"

const aggregatorTemplate = "You are the main evaluation aggregator. Given the conversation and judge outputs, return strict JSON with shape: " +
	`{"summary":"...","overall_score":0.0,"total_issues":0,"highest_severity":0,` +
	`"completion_score":0,"realistic_score":0,"flagged_instances":[{"message_index":0,"category":"...","excerpt":"...","severity":1}]}.` +
	"\n\nConversation:\n%s\n\nJudge Outputs:\n%s"

const (
	judgeMaxTokens      = 800
	aggregatorMaxTokens = 1000
)

// ModelRef names a registered model: its registry id and the backend-side
// model name to generate with.
type ModelRef struct {
	ID   string
	Name string
}

// Issue is one flagged problem in a transcript.
type Issue struct {
	MessageIndex int    `json:"message_index"`
	Category     string `json:"category"`
	Excerpt      string `json:"excerpt"`
	Severity     int    `json:"severity"`
	JudgeModelID string `json:"judge_model_id,omitempty"`
}

// Result is one judge's normalized verdict. Scores are nil when the judge
// answered with a bare issue array.
type Result struct {
	Issues          []Issue  `json:"issues"`
	CompletionScore *float64 `json:"completion_score"`
	RealisticScore  *float64 `json:"realistic_score"`
	Notes           string   `json:"notes"`
	JudgeModelID    string   `json:"judge_model_id"`
	JudgeModelName  string   `json:"judge_model_name"`
}

// Report is the aggregate verdict over all judges.
type Report struct {
	Summary          string  `json:"summary"`
	OverallScore     float64 `json:"overall_score"`
	TotalIssues      int     `json:"total_issues"`
	HighestSeverity  int     `json:"highest_severity"`
	CompletionScore  float64 `json:"completion_score"`
	RealisticScore   float64 `json:"realistic_score"`
	FlaggedInstances []Issue `json:"flagged_instances"`
}

// Outcome bundles the per-judge results with the aggregate report.
type Outcome struct {
	Judges []Result `json:"judges"`
	Report Report   `json:"report"`
}

// Evaluator runs judge panels against transcripts.
type Evaluator struct {
	conns   duo.ConnectorSource
	timeout time.Duration
	logger  *slog.Logger
}

// NewEvaluator wires an evaluator. timeout bounds one judge or aggregator
// call; <=0 defaults to 5 minutes.
func NewEvaluator(conns duo.ConnectorSource, timeout time.Duration, logger *slog.Logger) *Evaluator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{conns: conns, timeout: timeout, logger: logger}
}

// Evaluate runs all judges concurrently over the transcript, then the
// aggregator model. Any judge failing fails the evaluation; an aggregator
// failure falls back to deterministic code aggregation.
func (e *Evaluator) Evaluate(ctx context.Context, transcript []duo.Message, main ModelRef, judges []ModelRef) (Outcome, error) {
	if len(judges) == 0 {
		return Outcome{}, errors.New("at least one judge model is required")
	}
	text := ConversationText(transcript)

	results := make([]Result, len(judges))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range judges {
		g.Go(func() error {
			r, err := e.runJudge(gctx, ref, text)
			if err != nil {
				return fmt.Errorf("judge %s: %w", ref.ID, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	return Outcome{Judges: results, Report: e.runAggregator(ctx, main, text, results)}, nil
}

func (e *Evaluator) runJudge(ctx context.Context, ref ModelRef, conversationText string) (Result, error) {
	raw, err := e.complete(ctx, ref, fmt.Sprintf(judgeTemplate, conversationText), judgeMaxTokens)
	if err != nil {
		return Result{}, err
	}
	r, err := parseJudgeOutput(raw)
	if err != nil {
		return Result{}, err
	}
	r.JudgeModelID = ref.ID
	r.JudgeModelName = ref.Name
	return r, nil
}

// runAggregator asks the main model to combine judge outputs; on any model
// or parse failure the deterministic code aggregate takes over.
func (e *Evaluator) runAggregator(ctx context.Context, main ModelRef, conversationText string, results []Result) Report {
	judgeJSON, err := json.Marshal(results)
	if err != nil {
		return CodeAggregate(results)
	}

	raw, err := e.complete(ctx, main, fmt.Sprintf(aggregatorTemplate, conversationText, judgeJSON), aggregatorMaxTokens)
	if err != nil {
		e.logger.Warn("aggregator model failed, using code aggregate", "model_id", main.ID, "error", err)
		return CodeAggregate(results)
	}

	block, err := extractJSONBlock(raw)
	if err != nil {
		return CodeAggregate(results)
	}
	var report Report
	if err := json.Unmarshal(block, &report); err != nil {
		return CodeAggregate(results)
	}
	if report.FlaggedInstances == nil {
		report.FlaggedInstances = []Issue{}
	}
	return report
}

// complete runs one non-streamed completion at temperature 0 and returns
// the accumulated text.
func (e *Evaluator) complete(ctx context.Context, ref ModelRef, prompt string, maxTokens int) (string, error) {
	conn, err := e.conns.Connector(ref.ID)
	if err != nil {
		return "", fmt.Errorf("resolving connector: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	frags, err := conn.Generate(ctx, engine.GenerateRequest{
		Model:     ref.Name,
		Messages:  []engine.Message{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for f := range frags {
		if f.Err != nil {
			return "", f.Err
		}
		sb.WriteString(f.Text)
	}
	return sb.String(), nil
}

// ConversationText renders a transcript in the numbered form judges are
// prompted to index into.
func ConversationText(msgs []duo.Message) string {
	lines := make([]string, 0, len(msgs))
	for i, m := range msgs {
		lines = append(lines, fmt.Sprintf("[%d] %s: %s", i, m.Sender, m.Content))
	}
	return strings.Join(lines, "\n")
}

// extractJSONBlock pulls a JSON value out of raw model output: the whole
// text if it parses, else the outermost {...} block, else the outermost
// [...] block.
func extractJSONBlock(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), nil
	}

	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start != -1 && end > start {
		if candidate := raw[start : end+1]; json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}
	if start, end := strings.Index(raw, "["), strings.LastIndex(raw, "]"); start != -1 && end > start {
		if candidate := raw[start : end+1]; json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}
	return nil, errors.New("model output is not valid JSON")
}

// parseJudgeOutput normalizes a judge reply: a bare array is treated as the
// issues list with no scores; an object is taken field-by-field.
func parseJudgeOutput(raw string) (Result, error) {
	block, err := extractJSONBlock(raw)
	if err != nil {
		return Result{}, err
	}

	trimmed := strings.TrimSpace(string(block))
	if strings.HasPrefix(trimmed, "[") {
		var issues []Issue
		if err := json.Unmarshal(block, &issues); err != nil {
			return Result{}, fmt.Errorf("parsing issue array: %w", err)
		}
		return Result{Issues: issues}, nil
	}

	var r Result
	if err := json.Unmarshal(block, &r); err != nil {
		return Result{}, fmt.Errorf("parsing judge object: %w", err)
	}
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	return r, nil
}

// CodeAggregate deterministically combines judge results: scores are
// averaged and blended 50/50, then an issue penalty capped at 0.5 is
// subtracted.
func CodeAggregate(results []Result) Report {
	var flagged []Issue
	highest := 0
	var completionScores, realisticScores []float64

	for _, r := range results {
		for _, issue := range r.Issues {
			if issue.Severity > highest {
				highest = issue.Severity
			}
			issue.JudgeModelID = r.JudgeModelID
			flagged = append(flagged, issue)
		}
		if r.CompletionScore != nil {
			completionScores = append(completionScores, *r.CompletionScore)
		}
		if r.RealisticScore != nil {
			realisticScores = append(realisticScores, *r.RealisticScore)
		}
	}
	if flagged == nil {
		flagged = []Issue{}
	}

	completionAvg := mean(completionScores)
	realisticAvg := mean(realisticScores)
	penalty := math.Min(0.5, float64(len(flagged))*0.05+float64(highest)*0.03)
	base := (completionAvg/100)*0.5 + (realisticAvg/100)*0.5
	overall := math.Max(0, math.Min(1, base-penalty))

	return Report{
		Summary: fmt.Sprintf("Total issues: %d; highest severity: %d; Completeness: %.1f; Realistic: %.1f.",
			len(flagged), highest, completionAvg, realisticAvg),
		OverallScore:     math.Round(overall*1000) / 1000,
		TotalIssues:      len(flagged),
		HighestSeverity:  highest,
		CompletionScore:  math.Round(completionAvg*10) / 10,
		RealisticScore:   math.Round(realisticAvg*10) / 10,
		FlaggedInstances: flagged,
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
