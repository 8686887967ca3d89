package tools

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/linnemanlabs/sift/internal/triage"
)

// Tool is a capability sift can offer to the AI during an investigation.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage // JSON Schema
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// ToolDef is the format for tool definitions expected by the AI API, derived from the Tool interface.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// TransactionSource loads stored transactions, bodies included. triage.Store
// satisfies it.
type TransactionSource interface {
	GetTransaction(ctx context.Context, id string) (*triage.AnnotatedTransaction, bool, error)
}

// HostLister lists the transactions seen on one host. *triage.Engine
// satisfies it.
type HostLister interface {
	HostTransactions(host string, limit int) []triage.FlaggedTransaction
}

// Registry holds available tools and converts them to the AI API format.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewTransactionRegistry registers the standard transaction investigation
// tools over src and hosts.
func NewTransactionRegistry(src TransactionSource, hosts HostLister) *Registry {
	r := NewRegistry()
	r.Register(NewHeadersTool(src))
	r.Register(NewBodyTool(src))
	r.Register(NewScanTool(src))
	r.Register(NewHostTransactionsTool(hosts))
	return r
}

// Register adds a tool to the registry, keyed by its Name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name, returns the tool and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ToToolDefs returns the tool definitions in Claude API format, sorted by
// name so the prompt is stable across calls.
func (r *Registry) ToToolDefs() []ToolDef {
	out := make([]ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	slices.SortFunc(out, func(a, b ToolDef) int { return strings.Compare(a.Name, b.Name) })
	return out
}
