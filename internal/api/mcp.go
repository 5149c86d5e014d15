package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"benchduo/internal/agent"
	"benchduo/internal/duo"
)

// NewMCPServer exposes the benchmark over MCP so an assistant can inspect
// agents and kick off duos without going through the HTTP API.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"benchduo",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("benchduo runs and scores conversations between two local LLM agents."),
	)

	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List registered agents with their derived readiness status."),
		),
		mcpListAgents(deps),
	)

	s.AddTool(
		mcp.NewTool("agent_status",
			mcp.WithDescription("Get one agent's derived status and the recent readiness log of its model."),
			mcp.WithString("agent_id", mcp.Description("Agent id"), mcp.Required()),
		),
		mcpAgentStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("start_duo",
			mcp.WithDescription("Start a conversation between two agents and return its conversation id."),
			mcp.WithString("agent1_id", mcp.Description("First agent id"), mcp.Required()),
			mcp.WithString("agent2_id", mcp.Description("Second agent id"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("Seed prompt the agents converse about"), mcp.Required()),
			mcp.WithNumber("max_turns", mcp.Description("Number of agent turns (default from config)")),
		),
		mcpStartDuo(deps),
	)

	s.AddTool(
		mcp.NewTool("batch_status",
			mcp.WithDescription("Get a batch job's progress summary and per-run results."),
			mcp.WithString("job_id", mcp.Description("Batch job id"), mcp.Required()),
		),
		mcpBatchStatus(deps),
	)

	return s
}

func mcpListAgents(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := deps.Store.ListAgents(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing agents failed: %v", err)), nil
		}

		active, haveActive := deps.Registry.ActiveKind()
		out := make([]agentStatus, 0, len(agents))
		for _, a := range agents {
			cfg, rec, hasModel := deps.agentConfig(ctx, a)
			out = append(out, agentStatus{
				ID:         a.ID,
				Name:       a.Name,
				ModelID:    a.ModelID,
				Status:     agent.Derive(cfg, rec, hasModel),
				Selectable: agent.Selectable(cfg, rec, hasModel, active, haveActive, deps.StrictCompat),
			})
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("marshalling agents failed: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAgentStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}

		a, err := deps.Store.GetAgent(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("agent %s: %v", id, err)), nil
		}

		active, haveActive := deps.Registry.ActiveKind()
		cfg, rec, hasModel := deps.agentConfig(ctx, a)
		b, err := json.Marshal(agentStatus{
			ID:         a.ID,
			Name:       a.Name,
			ModelID:    a.ModelID,
			Status:     agent.Derive(cfg, rec, hasModel),
			Selectable: agent.Selectable(cfg, rec, hasModel, active, haveActive, deps.StrictCompat),
			Logs:       rec.RecentLogs(10),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("marshalling status failed: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpStartDuo(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent1ID, err := req.RequireString("agent1_id")
		if err != nil {
			return mcpError("agent1_id is required"), nil
		}
		agent2ID, err := req.RequireString("agent2_id")
		if err != nil {
			return mcpError("agent2_id is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		maxTurns := req.GetInt("max_turns", deps.DefaultMaxTurns)
		if maxTurns < 1 {
			maxTurns = deps.DefaultMaxTurns
		}

		p1, err := deps.participantFor(ctx, duo.RoleAgent1, agent1ID)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		p2, err := deps.participantFor(ctx, duo.RoleAgent2, agent2ID)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		active, haveActive := deps.Registry.ActiveKind()
		if !agent.Compatible(p1.Config, p2.Config, active, haveActive, deps.StrictCompat) {
			return mcpError(fmt.Sprintf("agents are not compatible: %s vs %s",
				p1.Config.EngineKind, p2.Config.EngineKind)), nil
		}
		for _, p := range []duo.Participant{p1, p2} {
			rec, err := deps.Registry.Snapshot(p.Config.ModelID)
			if !agent.Selectable(p.Config, rec, err == nil, active, haveActive, deps.StrictCompat) {
				return mcpError(fmt.Sprintf("agent %s is not ready to generate", p.Config.ID)), nil
			}
		}

		id := deps.Duos.Start(ctx, duo.Params{
			Agent1:   p1,
			Agent2:   p2,
			Prompt:   prompt,
			MaxTurns: maxTurns,
		}, func(res duo.Result) {
			deps.Broker.CloseTopic(res.ConversationID)
		})

		return mcpText(fmt.Sprintf(`{"conversation_id":%q}`, id)), nil
	}
}

func mcpBatchStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		var out any
		if snap, err := deps.Batches.Snapshot(id); err == nil {
			out = snap
		} else {
			j, err := deps.Store.GetBatchJob(ctx, id)
			if err != nil {
				return mcpError(fmt.Sprintf("batch job %s: %v", id, err)), nil
			}
			runs, err := deps.Store.GetBatchRuns(ctx, id)
			if err != nil {
				return mcpError(fmt.Sprintf("batch runs %s: %v", id, err)), nil
			}
			out = map[string]any{"job": j, "runs": runs}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("marshalling job failed: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
