package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultHostLimit = 25
	maxHostLimit     = 200
)

// HostTransactionsTool lists what else was captured from one origin.
type HostTransactionsTool struct {
	hosts HostLister
}

// NewHostTransactionsTool creates the list_host_transactions tool.
func NewHostTransactionsTool(hosts HostLister) *HostTransactionsTool {
	return &HostTransactionsTool{hosts: hosts}
}

type hostInput struct {
	Host  string `json:"host"`
	Limit int    `json:"limit,omitempty"`
}

func parseHostInput(params json.RawMessage) (hostInput, error) {
	var input hostInput
	if err := json.Unmarshal(params, &input); err != nil {
		return input, fmt.Errorf("invalid params: %w", err)
	}
	input.Host = strings.ToLower(strings.TrimSpace(input.Host))
	if input.Host == "" {
		return input, errors.New("host is required")
	}
	switch {
	case input.Limit <= 0:
		input.Limit = defaultHostLimit
	case input.Limit > maxHostLimit:
		input.Limit = maxHostLimit
	}
	return input, nil
}

// Name returns the unique name of the tool.
func (h *HostTransactionsTool) Name() string { return "list_host_transactions" }

// Description returns an llm-friendly description of the tool.
func (h *HostTransactionsTool) Description() string {
	return `List captured transactions from the same host, oldest first, with their
method, URL, status, content type, size and annotation severity. Use this to see whether a
suspicious script is part of a redirect chain or loaded alongside other flagged resources.
Returns up to limit entries (default 25, max 200).`
}

// Parameters returns the JSON schema for the tool input.
func (h *HostTransactionsTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "host": {
                "type": "string",
                "description": "Origin host, e.g. cdn.example.com"
            },
            "limit": {
                "type": "integer",
                "description": "Maximum transactions to return. Default 25, max 200."
            }
        },
        "required": ["host"]
    }`)
}

// Execute lists the host's transactions.
func (h *HostTransactionsTool) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	input, err := parseHostInput(params)
	if err != nil {
		return nil, err
	}
	txs := h.hosts.HostTransactions(input.Host, input.Limit)
	output := map[string]any{
		"host":         input.Host,
		"count":        len(txs),
		"transactions": txs,
	}
	return json.Marshal(output)
}
