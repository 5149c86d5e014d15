package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"benchduo/internal/config"
)

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage model registrations",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered models",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/models")
		if err != nil {
			return err
		}

		var models []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Kind      string `json:"kind"`
			Host      string `json:"host"`
			Port      int    `json:"port"`
			ModelName string `json:"model_name"`
		}
		if err := decodeJSON(resp, &models); err != nil {
			return err
		}

		if len(models) == 0 {
			fmt.Println("No models registered.")
			return nil
		}
		for _, m := range models {
			fmt.Printf("%s  %-20s %-12s %s:%d (%s)\n",
				colorize(colorCyan, m.ID[:8]), m.Name, m.Kind, m.Host, m.Port, m.ModelName)
		}
		return nil
	},
}

var modelsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a model endpoint",
	Long: `Register a model endpoint.

Examples:
  benchduo models add --name "local llama" --kind ollama --host 127.0.0.1 --port 11434 --model llama3
  benchduo models add --name mlx-mistral --kind mlx --host 127.0.0.1 --port 8080 --model mistral-7b`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		kind, _ := cmd.Flags().GetString("kind")
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		model, _ := cmd.Flags().GetString("model")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/models", map[string]any{
			"name": name, "kind": kind, "host": host, "port": port, "model_name": model,
		})
		if err != nil {
			return err
		}

		var result struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Registered model %s", result.ID)
		return nil
	},
}

var modelsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a model registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/models/"+args[0])
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted model %s", args[0])
		return nil
	},
}

var modelsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Check a model's engine reachability and load state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/models/" + args[0] + "/status"
		if force {
			path += "?force=1"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var rec struct {
			Engine struct {
				Reachable bool   `json:"reachable"`
				Message   string `json:"message"`
			} `json:"engine"`
			Model struct {
				LoadState       string `json:"load_state"`
				LastLoadMessage string `json:"last_load_message"`
			} `json:"model"`
			Logs []string `json:"logs"`
		}
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		engineState := "unreachable"
		if rec.Engine.Reachable {
			engineState = "reachable"
		}
		printStatus("Engine", "%s (%s)", engineState, rec.Engine.Message)
		printStatus("Model", "%s", rec.Model.LoadState)
		if rec.Model.LastLoadMessage != "" {
			printStatus("Last load", "%s", rec.Model.LastLoadMessage)
		}
		for _, line := range rec.Logs {
			fmt.Printf("  %s\n", line)
		}
		return nil
	},
}

var modelsLoadCmd = &cobra.Command{
	Use:   "load <id>",
	Short: "Ask the backend to load the model into memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/models/"+args[0]+"/load", nil)
		if err != nil {
			return err
		}
		var rec struct {
			Model struct {
				LoadState string `json:"load_state"`
			} `json:"model"`
		}
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		printSuccess("Load requested (state: %s)", rec.Model.LoadState)
		return nil
	},
}

func init() {
	modelsAddCmd.Flags().String("name", "", "display name")
	modelsAddCmd.Flags().String("kind", "", "engine kind: ollama, mlx, or tensorrt-llm")
	modelsAddCmd.Flags().String("host", "127.0.0.1", "backend host")
	modelsAddCmd.Flags().Int("port", 0, "backend port")
	modelsAddCmd.Flags().String("model", "", "backend model name")
	modelsStatusCmd.Flags().Bool("force", false, "bypass the probe rate limit")

	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsAddCmd)
	modelsCmd.AddCommand(modelsRmCmd)
	modelsCmd.AddCommand(modelsStatusCmd)
	modelsCmd.AddCommand(modelsLoadCmd)
}

// --- agents ---

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents with readiness status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/agents/status")
		if err != nil {
			return err
		}

		var agents []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			Status     string `json:"status"`
			Selectable bool   `json:"selectable"`
		}
		if err := decodeJSON(resp, &agents); err != nil {
			return err
		}

		if len(agents) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}
		for _, a := range agents {
			marker := " "
			if a.Selectable {
				marker = colorize(colorGreen, "*")
			}
			fmt.Printf("%s %s  %-20s %s\n", marker, colorize(colorCyan, a.ID[:8]), a.Name, a.Status)
		}
		return nil
	},
}

var agentsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		modelID, _ := cmd.Flags().GetString("model-id")
		systemPrompt, _ := cmd.Flags().GetString("system-prompt")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		temperature, _ := cmd.Flags().GetFloat64("temperature")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/agents", map[string]any{
			"name":          name,
			"model_id":      modelID,
			"system_prompt": systemPrompt,
			"max_tokens":    maxTokens,
			"temperature":   temperature,
		})
		if err != nil {
			return err
		}

		var result struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Created agent %s", result.ID)
		return nil
	},
}

var agentsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/agents/"+args[0])
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted agent %s", args[0])
		return nil
	},
}

func init() {
	agentsAddCmd.Flags().String("name", "", "display name")
	agentsAddCmd.Flags().String("model-id", "", "model registration id")
	agentsAddCmd.Flags().String("system-prompt", "", "system prompt")
	agentsAddCmd.Flags().Int("max-tokens", 512, "per-turn token cap")
	agentsAddCmd.Flags().Float64("temperature", 0.7, "sampling temperature")

	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsAddCmd)
	agentsCmd.AddCommand(agentsRmCmd)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run conversations between two agents",
}

var chatStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a conversation",
	Long: `Start a conversation between two agents.

Example:
  benchduo chat start --agent1 a1b2c3 --agent2 d4e5f6 --prompt "Debate the merits of static typing" --max-turns 6`,
	RunE: func(cmd *cobra.Command, args []string) error {
		agent1, _ := cmd.Flags().GetString("agent1")
		agent2, _ := cmd.Flags().GetString("agent2")
		prompt, _ := cmd.Flags().GetString("prompt")
		maxTurns, _ := cmd.Flags().GetInt("max-turns")
		maxDuration, _ := cmd.Flags().GetString("max-duration")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"agent1_id": agent1,
			"agent2_id": agent2,
			"prompt":    prompt,
			"max_turns": maxTurns,
		}
		if maxDuration != "" {
			body["max_duration"] = maxDuration
		}
		resp, err := client.post(cmd.Context(), "/chat", body)
		if err != nil {
			return err
		}

		var result struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Started conversation %s", result.ConversationID)
		return nil
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/chat/"+args[0])
		if err != nil {
			return err
		}

		var payload struct {
			Conversation struct {
				Status string `json:"status"`
				Prompt string `json:"prompt"`
			} `json:"conversation"`
			Messages []struct {
				Sender  string `json:"sender"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := decodeJSON(resp, &payload); err != nil {
			return err
		}

		printStatus("Status", "%s", payload.Conversation.Status)
		for _, m := range payload.Messages {
			fmt.Printf("\n%s\n%s\n", colorize(colorBold, m.Sender), m.Content)
		}
		return nil
	},
}

var chatCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chat/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cancellation requested for %s", args[0])
		return nil
	},
}

func init() {
	chatStartCmd.Flags().String("agent1", "", "first agent id")
	chatStartCmd.Flags().String("agent2", "", "second agent id")
	chatStartCmd.Flags().String("prompt", "", "seed prompt")
	chatStartCmd.Flags().Int("max-turns", 0, "agent turns (0 uses server default)")
	chatStartCmd.Flags().String("max-duration", "", "wall-clock bound, e.g. 5m")

	chatCmd.AddCommand(chatStartCmd)
	chatCmd.AddCommand(chatShowCmd)
	chatCmd.AddCommand(chatCancelCmd)
}

// --- batch ---

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run batch jobs",
}

var batchStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a batch of conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent1, _ := cmd.Flags().GetString("agent1")
		agent2, _ := cmd.Flags().GetString("agent2")
		prompt, _ := cmd.Flags().GetString("prompt")
		maxTurns, _ := cmd.Flags().GetInt("max-turns")
		runs, _ := cmd.Flags().GetInt("runs")
		seed, _ := cmd.Flags().GetInt64("seed")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/batch_jobs", map[string]any{
			"agent1_id":   agent1,
			"agent2_id":   agent2,
			"prompt":      prompt,
			"max_turns":   maxTurns,
			"num_runs":    runs,
			"seed":        seed,
			"concurrency": concurrency,
		})
		if err != nil {
			return err
		}

		var result struct {
			JobID string `json:"job_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Started batch job %s", result.JobID)
		return nil
	},
}

var batchShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a batch job's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/batch_jobs/"+args[0])
		if err != nil {
			return err
		}

		var snap struct {
			Status  string `json:"status"`
			Summary struct {
				Completed    int     `json:"completed"`
				Total        int     `json:"total"`
				TokensPerSec float64 `json:"tokens_per_sec"`
				ProgressPct  float64 `json:"progress_pct"`
			} `json:"summary"`
		}
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		if snap.Status == "" {
			// Finished job served from storage; just dump it.
			printStatus("Job", "%s (finished, see server records)", args[0])
			return nil
		}
		printStatus("Status", "%s", snap.Status)
		printStatus("Progress", "%d/%d (%.0f%%)", snap.Summary.Completed, snap.Summary.Total, snap.Summary.ProgressPct)
		if snap.Summary.TokensPerSec > 0 {
			printStatus("Throughput", "%.1f tokens/s", snap.Summary.TokensPerSec)
		}
		return nil
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a batch job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/batch_jobs/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cancellation requested for %s", args[0])
		return nil
	},
}

func init() {
	batchStartCmd.Flags().String("agent1", "", "first agent id")
	batchStartCmd.Flags().String("agent2", "", "second agent id")
	batchStartCmd.Flags().String("prompt", "", "seed prompt")
	batchStartCmd.Flags().Int("max-turns", 0, "agent turns per run (0 uses server default)")
	batchStartCmd.Flags().Int("runs", 1, "number of runs")
	batchStartCmd.Flags().Int64("seed", 0, "base seed; run i uses seed+i")
	batchStartCmd.Flags().Int("concurrency", 0, "simultaneous runs (0 uses server default)")

	batchCmd.AddCommand(batchStartCmd)
	batchCmd.AddCommand(batchShowCmd)
	batchCmd.AddCommand(batchCancelCmd)
}

// --- evaluate ---

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <conversation-id>",
	Short: "Score a conversation with judge models",
	Long: `Score a conversation with judge models.

Example:
  benchduo evaluate 9f1c... --main m1 --judges m2,m3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mainModel, _ := cmd.Flags().GetString("main")
		judgesStr, _ := cmd.Flags().GetString("judges")

		judges := strings.Split(judgesStr, ",")
		for i := range judges {
			judges[i] = strings.TrimSpace(judges[i])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/evaluate", map[string]any{
			"conversation_id": args[0],
			"main_model_id":   mainModel,
			"judge_model_ids": judges,
		})
		if err != nil {
			return err
		}

		var result struct {
			EvalJobID string `json:"eval_job_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Started evaluation %s", result.EvalJobID)
		return nil
	},
}

var evaluateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an evaluation's report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/evaluate/"+args[0])
		if err != nil {
			return err
		}

		var eval any
		if err := decodeJSON(resp, &eval); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(eval)
	},
}

func init() {
	evaluateCmd.Flags().String("main", "", "main aggregator model id")
	evaluateCmd.Flags().String("judges", "", "comma-separated judge model ids")
	evaluateCmd.AddCommand(evaluateShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("Port", "%d", cfg.Server.Port)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		printStatus("Refresh cron", "%s", cfg.Readiness.RefreshCron)
		printStatus("Probe interval", "%s", cfg.Readiness.ProbeInterval.Duration)
		printStatus("Load timeout", "%s", cfg.Readiness.LoadTimeout.Duration)
		printStatus("Turn timeout", "%s", cfg.Duo.TurnTimeout.Duration)
		printStatus("Default max turns", "%d", cfg.Duo.DefaultMaxTurns)
		printStatus("Batch concurrency", "%d", cfg.Batch.MaxConcurrency)
		printStatus("Strict compat", "%t", cfg.Compat.Strict)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
