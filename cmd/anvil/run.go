package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/agent/providers"
	"github.com/haasonsaas/anvil/internal/agentlog"
	"github.com/haasonsaas/anvil/internal/tools"
	"github.com/haasonsaas/anvil/pkg/models"
)

const systemPrompt = `You are a coding assistant working in the user's project directory.
Use the available tools to read, modify, and run code. Prefer small verifiable
steps, and report what you changed.`

// maxRunIterations bounds a single query's LLM-tool turns.
const maxRunIterations = 50

func newRunCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run the assistant: one-shot with a prompt, interactive without",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			cwd, err := os.Getwd()
			if err != nil {
				return err
			}

			llm := llmConfig(cfg)
			provider, err := providers.New(llm)
			if err != nil {
				return err
			}
			registry, _ := tools.NewRegistry(providers.New)

			alog := agentlog.New(0, agentlog.ParseLevel(cfg.Log.AgentLog))
			hooks := combineHooks(printHooks(opts.verbose), agentlog.NewHooks(alog))

			loop := agent.NewLoop(provider, registry, hooks, agent.LoopConfig{
				System:        systemPrompt,
				MaxIterations: maxRunIterations,
			})
			tc := &agent.ToolContext{
				Cwd:            cwd,
				LLM:            llm,
				ReadTimestamps: agent.NewFileTimestamps(),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if len(args) > 0 {
				return runOnce(ctx, loop, tc, alog, strings.Join(args, " "))
			}
			return runREPL(ctx, loop, tc, alog)
		},
	}
}

func runOnce(ctx context.Context, loop *agent.Loop, tc *agent.ToolContext, alog *agentlog.Logger, prompt string) error {
	result, err := loop.Run(ctx, []*models.Message{models.NewUserMessage(prompt)}, tc)
	if err != nil {
		printFailureAnalysis(alog)
		return err
	}
	if result.Final != nil {
		fmt.Println(result.Final.Text())
	}
	return nil
}

func runREPL(ctx context.Context, loop *agent.Loop, tc *agent.ToolContext, alog *agentlog.Logger) error {
	fmt.Println("anvil interactive session. Type 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var history []*models.Message
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		history = append(history, models.NewUserMessage(line))
		result, err := loop.Run(ctx, history, tc)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Interrupted turn; keep the session alive on a fresh ctx.
				var stop context.CancelFunc
				ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt)
				defer stop()
				fmt.Println("(interrupted)")
			} else {
				fmt.Fprintln(os.Stderr, "Error:", err)
				printFailureAnalysis(alog)
			}
			continue
		}
		history = result.Messages
		if result.Final != nil {
			fmt.Println(result.Final.Text())
		}
	}
}

// printFailureAnalysis surfaces remediation hints mined from the transcript
// log after a failed run.
func printFailureAnalysis(alog *agentlog.Logger) {
	reports := agentlog.AnalyzeFailures(alog)
	if len(reports) == 0 {
		return
	}
	last := reports[len(reports)-1]
	for _, s := range last.Suggestions {
		fmt.Fprintln(os.Stderr, "hint:", s)
	}
}

// printHooks renders loop activity to the terminal. Quiet mode shows only
// tool names; verbose adds inputs, timing, and the end-of-run summary.
func printHooks(verbose bool) *agent.Hooks {
	return &agent.Hooks{
		ToolStart: func(toolUseID, name string, input json.RawMessage) {
			if verbose {
				fmt.Printf("⏺ %s %s\n", name, compactJSON(input))
			} else {
				fmt.Printf("⏺ %s\n", name)
			}
		},
		ToolProgress: func(toolUseID, text string) {
			if verbose {
				fmt.Printf("  %s\n", text)
			}
		},
		ToolError: func(toolUseID, errText string, d time.Duration) {
			fmt.Printf("  ✗ %s\n", firstLine(errText))
		},
		QueryEnd: func(s agent.QuerySummary) {
			if verbose {
				fmt.Printf("[%d turns, %d tool calls, %d in / %d out tokens, $%.4f, %s]\n",
					s.Iterations, s.ToolCalls, s.InputTokens, s.OutputTokens,
					s.CostUSD, s.Duration.Round(time.Millisecond))
			}
		},
	}
}

// combineHooks fans each loop event out to every non-nil hook set in order.
func combineHooks(sets ...*agent.Hooks) *agent.Hooks {
	combined := &agent.Hooks{}
	combined.QueryStart = func(messages []*models.Message) {
		for _, h := range sets {
			if h != nil && h.QueryStart != nil {
				h.QueryStart(messages)
			}
		}
	}
	combined.LLMRequest = func(req *agent.CompletionRequest) {
		for _, h := range sets {
			if h != nil && h.LLMRequest != nil {
				h.LLMRequest(req)
			}
		}
	}
	combined.LLMResponse = func(resp *agent.CompletionResponse, d time.Duration, err error) {
		for _, h := range sets {
			if h != nil && h.LLMResponse != nil {
				h.LLMResponse(resp, d, err)
			}
		}
	}
	combined.ToolStart = func(id, name string, input json.RawMessage) {
		for _, h := range sets {
			if h != nil && h.ToolStart != nil {
				h.ToolStart(id, name, input)
			}
		}
	}
	combined.ToolProgress = func(id, text string) {
		for _, h := range sets {
			if h != nil && h.ToolProgress != nil {
				h.ToolProgress(id, text)
			}
		}
	}
	combined.ToolComplete = func(id string, result models.ContentBlock, d time.Duration) {
		for _, h := range sets {
			if h != nil && h.ToolComplete != nil {
				h.ToolComplete(id, result, d)
			}
		}
	}
	combined.ToolError = func(id, errText string, d time.Duration) {
		for _, h := range sets {
			if h != nil && h.ToolError != nil {
				h.ToolError(id, errText, d)
			}
		}
	}
	combined.QueryEnd = func(s agent.QuerySummary) {
		for _, h := range sets {
			if h != nil && h.QueryEnd != nil {
				h.QueryEnd(s)
			}
		}
	}
	combined.Abort = func() {
		for _, h := range sets {
			if h != nil && h.Abort != nil {
				h.Abort()
			}
		}
	}
	return combined
}

func compactJSON(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
