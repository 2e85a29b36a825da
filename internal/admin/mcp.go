package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Serve starts the admin MCP stdio server over the given registry. It
// blocks until the context is cancelled or stdin is closed.
func Serve(ctx context.Context, r *Registry, version string) error {
	mcpServer := server.NewMCPServer(
		"thrall",
		version,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTools(
		server.ServerTool{Tool: promptListTool(), Handler: r.handlePromptList},
		server.ServerTool{Tool: promptGetTool(), Handler: r.handlePromptGet},
		server.ServerTool{Tool: promptLoadTool(), Handler: r.handlePromptLoad},
		server.ServerTool{Tool: breakerTripTool(), Handler: r.handleBreakerTrip},
		server.ServerTool{Tool: classificationsRecentTool(), Handler: r.handleClassificationsRecent},
	)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// --- Tool Definitions ---

func promptListTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"prompt_list",
		"List all registered triage prompts with their hashes and provenance.",
		json.RawMessage(`{
			"type": "object",
			"properties": {}
		}`),
	)
}

func promptGetTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"prompt_get",
		"Get the active version of a named prompt, including its content and hash.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {
					"type": "string",
					"description": "Prompt name (default: triage)"
				}
			}
		}`),
	)
}

func promptLoadTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"prompt_load",
		"Install a new prompt version and reload the live guard. The content must contain the {tier} placeholder.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {
					"type": "string",
					"description": "Prompt name (default: triage)"
				},
				"content": {
					"type": "string",
					"description": "Full prompt text with a {tier} placeholder"
				},
				"caller_node": {
					"type": "string",
					"description": "Node ID of the operator pushing the prompt"
				}
			},
			"required": ["content"]
		}`),
	)
}

func breakerTripTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"breaker_trip",
		"Manually trip a circuit breaker. Target is the literal 'global' or a hex node prefix.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"type": {
					"type": "string",
					"enum": ["global", "node"],
					"description": "Breaker scope"
				},
				"target": {
					"type": "string",
					"description": "The literal 'global' or a hex node prefix"
				},
				"reason": {
					"type": "string",
					"description": "Why the breaker is being tripped"
				},
				"auto_expire_seconds": {
					"type": "integer",
					"description": "Seconds until the breaker auto-expires (0 = never)"
				}
			},
			"required": ["type", "target", "reason"]
		}`),
	)
}

func classificationsRecentTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"classifications_recent",
		"Return the newest classification records for review.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {
					"type": "integer",
					"description": "Maximum rows to return (default: 50, max: 500)"
				}
			}
		}`),
	)
}

// --- Tool Handlers ---

// promptResult mirrors the prompt_get and prompt_list responses.
type promptResult struct {
	Name     string  `json:"name"`
	Hash     string  `json:"hash"`
	PushedBy string  `json:"pushed_by"`
	PushedAt float64 `json:"pushed_at"`
	Active   bool    `json:"active"`
	Content  string  `json:"content,omitempty"`
}

func (r *Registry) handlePromptList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompts, err := r.ListPrompts()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list prompts: %v", err)), nil
	}

	out := make([]promptResult, len(prompts))
	for i, p := range prompts {
		out[i] = promptResult{
			Name:     p.Name,
			Hash:     p.Hash,
			PushedBy: p.PushedBy,
			PushedAt: p.PushedAt,
			Active:   p.Active,
		}
	}
	return resultJSON(out)
}

type promptGetArgs struct {
	Name string `json:"name"`
}

func (r *Registry) handlePromptGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args promptGetArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Name == "" {
		args.Name = "triage"
	}

	p, err := r.GetPrompt(args.Name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get prompt: %v", err)), nil
	}
	if p == nil {
		return mcp.NewToolResultError(fmt.Sprintf("no active prompt named %q", args.Name)), nil
	}

	return resultJSON(promptResult{
		Name:     p.Name,
		Hash:     p.Hash,
		PushedBy: p.PushedBy,
		PushedAt: p.PushedAt,
		Active:   p.Active,
		Content:  p.Content,
	})
}

type promptLoadArgs struct {
	Name       string `json:"name"`
	Content    string `json:"content"`
	CallerNode string `json:"caller_node"`
}

type promptLoadResult struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

func (r *Registry) handlePromptLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args promptLoadArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Name == "" {
		args.Name = "triage"
	}

	hash, err := r.LoadPrompt(args.Name, args.Content, args.CallerNode)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load prompt: %v", err)), nil
	}

	log.Printf("[mcp] prompt %q loaded, hash=%s", args.Name, hash)
	return resultJSON(promptLoadResult{Name: args.Name, Hash: hash})
}

type breakerTripArgs struct {
	Type              string `json:"type"`
	Target            string `json:"target"`
	Reason            string `json:"reason"`
	AutoExpireSeconds int    `json:"auto_expire_seconds"`
}

type breakerTripResult struct {
	Target string `json:"target"`
	Type   string `json:"type"`
}

func (r *Registry) handleBreakerTrip(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args breakerTripArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Target == "" || args.Reason == "" {
		return mcp.NewToolResultError("target and reason are required"), nil
	}

	if err := r.TripBreaker(args.Type, args.Target, args.Reason, args.AutoExpireSeconds); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trip breaker: %v", err)), nil
	}

	log.Printf("[mcp] breaker tripped: type=%s target=%s", args.Type, args.Target)
	return resultJSON(breakerTripResult{Target: args.Target, Type: args.Type})
}

type classificationsRecentArgs struct {
	Limit int `json:"limit"`
}

// classificationResult mirrors one classification row.
type classificationResult struct {
	MessageID  string  `json:"message_id,omitempty"`
	FromNode   string  `json:"from_node"`
	Tier       string  `json:"tier"`
	Action     string  `json:"action"`
	Reasoning  string  `json:"reasoning"`
	PromptHash string  `json:"prompt_hash"`
	WallMS     int64   `json:"wall_ms"`
	SessionID  string  `json:"session_id,omitempty"`
	CreatedAt  float64 `json:"created_at"`
}

func (r *Registry) handleClassificationsRecent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args classificationsRecentArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	rows, err := r.RecentClassifications(args.Limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recent classifications: %v", err)), nil
	}

	out := make([]classificationResult, len(rows))
	for i, c := range rows {
		cr := classificationResult{
			FromNode:   c.FromNode,
			Tier:       c.Tier,
			Action:     c.Action,
			Reasoning:  c.Reasoning,
			PromptHash: c.PromptHash,
			WallMS:     c.WallMS,
			CreatedAt:  c.CreatedAt,
		}
		if c.MessageID != nil {
			cr.MessageID = *c.MessageID
		}
		if c.SessionID != nil {
			cr.SessionID = *c.SessionID
		}
		out[i] = cr
	}
	return resultJSON(out)
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
