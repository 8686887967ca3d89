package behavior

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/sift/internal/tools"
	"github.com/linnemanlabs/sift/internal/triage"
)

const (
	MaxToolRounds  = 15
	MaxTokens      = 50000
	ResponseTokens = 4096

	tracerName = "github.com/linnemanlabs/sift/internal/behavior"

	// span attribute values are capped so one large body does not blow up
	// the trace.
	maxEventBytes = 8 << 10
)

// ErrBudgetExhausted is returned when an investigation runs out of tool
// rounds or tokens before giving a verdict.
var ErrBudgetExhausted = errors.New("investigation budget exhausted")

const (
	outcomeComplete = "complete"
	outcomeError    = "error"
	outcomeBudget   = "budget_exhausted"
	outcomeCanceled = "canceled"
)

// InvestigatorOptions tunes an Investigator. Zero values take the package
// defaults.
type InvestigatorOptions struct {
	MaxToolRounds int
	MaxTokens     int
	Hooks         triage.InvestigationHooks
}

// Investigator is a triage.BehaviorClassifier that lets an LLM inspect the
// transaction through tools and report findings from a fixed vocabulary.
type Investigator struct {
	provider  Provider
	registry  *tools.Registry
	findings  []string
	allowed   map[string]struct{}
	logger    log.Logger
	hooks     triage.InvestigationHooks
	maxRounds int
	maxTokens int
}

// NewInvestigator builds an Investigator. findings is the vocabulary the
// model may answer with; anything else it reports is dropped.
func NewInvestigator(provider Provider, registry *tools.Registry, findings []string, logger log.Logger, opts InvestigatorOptions) *Investigator {
	if provider == nil {
		panic(xerrors.New("llm provider is required"))
	}
	if registry == nil {
		panic(xerrors.New("tool registry is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	inv := &Investigator{
		provider:  provider,
		registry:  registry,
		allowed:   make(map[string]struct{}, len(findings)),
		logger:    logger,
		hooks:     opts.Hooks,
		maxRounds: opts.MaxToolRounds,
		maxTokens: opts.MaxTokens,
	}
	if inv.maxRounds <= 0 {
		inv.maxRounds = MaxToolRounds
	}
	if inv.maxTokens <= 0 {
		inv.maxTokens = MaxTokens
	}
	for _, f := range findings {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if _, dup := inv.allowed[f]; !dup {
			inv.allowed[f] = struct{}{}
			inv.findings = append(inv.findings, f)
		}
	}
	slices.Sort(inv.findings)
	return inv
}

// Classify runs the tool loop for tx and returns the filtered findings.
func (inv *Investigator) Classify(ctx context.Context, tx *triage.Transaction, ann triage.ThreatAnnotation) ([]string, error) {
	start := time.Now()
	L := inv.logger.With(
		"transaction_id", tx.ID,
		"host", tx.Host,
		"severity", ann.Severity.String(),
	)

	ev := &triage.InvestigationEvent{TransactionID: tx.ID}
	findings, err := inv.run(ctx, L, tx, ev)

	ev.Duration = time.Since(start).Seconds()
	ev.Findings = len(findings)
	switch {
	case err == nil:
		ev.Outcome = outcomeComplete
	case errors.Is(err, ErrBudgetExhausted):
		ev.Outcome = outcomeBudget
	case ctx.Err() != nil:
		ev.Outcome = outcomeCanceled
	default:
		ev.Outcome = outcomeError
	}
	if inv.hooks.OnComplete != nil {
		inv.hooks.OnComplete(ev)
	}

	L.Info(ctx, "investigation finished",
		"outcome", ev.Outcome,
		"duration", ev.Duration,
		"tokens_in", ev.TokensIn,
		"tokens_out", ev.TokensOut,
		"tool_calls", ev.ToolCalls,
		"findings", ev.Findings,
	)
	return findings, err
}

func (inv *Investigator) run(ctx context.Context, L log.Logger, tx *triage.Transaction, ev *triage.InvestigationEvent) ([]string, error) {
	system := buildSystemPrompt(inv.findings)
	defs := inv.registry.ToToolDefs()
	messages := []Message{
		{Role: RoleUser, Content: []ContentBlock{TextBlock(buildInitialPrompt(tx))}},
	}

	for seq := 0; ; seq++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ev.ToolCalls >= inv.maxRounds {
			L.Warn(ctx, "investigation hit tool call limit", "limit", inv.maxRounds)
			return nil, fmt.Errorf("%w: %d tool calls", ErrBudgetExhausted, ev.ToolCalls)
		}
		if used := ev.TokensIn + ev.TokensOut; used >= inv.maxTokens {
			L.Warn(ctx, "investigation hit token limit", "limit", inv.maxTokens)
			return nil, fmt.Errorf("%w: %d tokens", ErrBudgetExhausted, used)
		}

		resp, err := inv.call(ctx, tx.ID, seq, &LLMRequest{
			MaxTokens: ResponseTokens,
			System:    system,
			Messages:  messages,
			Tools:     defs,
		}, ev)
		if err != nil {
			L.Error(ctx, err, "llm call failed")
			return nil, fmt.Errorf("llm call: %w", err)
		}

		L.Info(ctx, "llm response",
			"stop_reason", resp.StopReason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
		)

		messages = append(messages, Message{Role: RoleAssistant, Content: resp.Content})

		if resp.StopReason != StopToolUse {
			return inv.finish(ctx, L, resp)
		}

		var results []ContentBlock
		for _, block := range resp.ToolCalls() {
			ev.ToolCalls++
			L.Info(ctx, "executing tool",
				"tool", block.Name,
				"call_number", ev.ToolCalls,
			)
			results = append(results, inv.execute(ctx, L, tx.ID, block, ev))
		}
		messages = append(messages, Message{Role: RoleUser, Content: results})
	}
}

// finish turns the final assistant message into findings.
func (inv *Investigator) finish(ctx context.Context, L log.Logger, resp *LLMResponse) ([]string, error) {
	v, err := parseVerdict(resp.FinalText())
	if err != nil {
		return nil, fmt.Errorf("stop reason %s: %w", resp.StopReason, err)
	}

	var out []string
	for _, f := range v.Findings {
		f = strings.ToLower(strings.TrimSpace(f))
		if _, ok := inv.allowed[f]; !ok {
			L.Warn(ctx, "dropping unknown finding", "finding", f)
			continue
		}
		out = append(out, f)
	}
	slices.Sort(out)
	out = slices.Compact(out)

	L.Info(ctx, "investigation verdict", "findings", out, "summary", v.Summary)
	return out, nil
}

func (inv *Investigator) call(ctx context.Context, txID string, seq int, req *LLMRequest, ev *triage.InvestigationEvent) (*LLMResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("sift.transaction.id", txID),
		attribute.Int("sift.chat.seq", seq),
	))
	defer span.End()

	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.Int("llm.request.messages", len(req.Messages)),
		attribute.Int("llm.request.tools", len(req.Tools)),
	))

	callStart := time.Now()
	resp, err := inv.provider.Send(ctx, req)
	elapsed := time.Since(callStart).Seconds()
	ev.LLMTime += elapsed
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ev.TokensIn += resp.Usage.InputTokens
	ev.TokensOut += resp.Usage.OutputTokens
	if resp.Model != "" {
		ev.Model = resp.Model
	}
	if inv.hooks.OnLLMCall != nil {
		inv.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, elapsed)
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.String("llm.response.stop_reason", string(resp.StopReason)),
		attribute.Int("llm.response.blocks", len(resp.Content)),
	))
	return resp, nil
}

func (inv *Investigator) execute(ctx context.Context, L log.Logger, txID string, block ContentBlock, ev *triage.InvestigationEvent) ContentBlock {
	input := string(block.Input)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", block.Name),
		attribute.String("sift.transaction.id", txID),
		attribute.String("sift.tool.input", clip(input)),
	))
	defer span.End()
	span.AddEvent("tool.request", trace.WithAttributes(
		attribute.String("tool.request.body", clip(input)),
	))

	var result ContentBlock
	toolStart := time.Now()

	if tool, ok := inv.registry.Get(block.Name); !ok {
		result = ToolResultBlock(block.ID, fmt.Sprintf("unknown tool: %s", block.Name), true)
	} else if output, err := tool.Execute(ctx, block.Input); err != nil {
		L.Error(ctx, err, "tool execution failed", "tool", block.Name)
		result = ToolResultBlock(block.ID, fmt.Sprintf("tool error: %v", err), true)
	} else {
		result = ToolResultBlock(block.ID, string(output), false)
	}

	elapsed := time.Since(toolStart).Seconds()
	ev.ToolTime += elapsed
	if inv.hooks.OnToolCall != nil {
		inv.hooks.OnToolCall(block.Name, elapsed, len(block.Input), len(result.Content), result.IsError)
	}

	span.SetAttributes(attribute.Bool("sift.tool.is_error", result.IsError))
	if result.IsError {
		span.SetStatus(codes.Error, result.Content)
	}
	span.AddEvent("tool.result", trace.WithAttributes(
		attribute.String("tool.result.body", clip(result.Content)),
	))
	return result
}

func clip(s string) string {
	if len(s) <= maxEventBytes {
		return s
	}
	return s[:maxEventBytes] + "...(truncated)"
}
