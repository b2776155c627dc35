// anvil is the interactive coding assistant CLI. It runs agent loops
// directly (anvil run), drives the background worker daemon (anvil daemon,
// anvil exec, anvil tail), and manages remote execution hosts (anvil remote).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/config"
)

var version = "dev"

type cliOptions struct {
	configPath string
	model      string
	provider   string
	apiKey     string
	baseURL    string
	verbose    bool

	thinking       bool
	thinkingBudget int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "anvil",
		Short:         "LLM coding assistant with a local worker daemon and remote execution",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ~/.anvil/config.yaml)")
	flags.StringVar(&opts.model, "model", "", "model name")
	flags.StringVar(&opts.provider, "provider", "", "force provider dialect: anthropic or openai")
	flags.StringVar(&opts.apiKey, "api-key", "", "provider API key")
	flags.StringVar(&opts.baseURL, "base-url", "", "provider base URL override")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "show tool activity and per-run accounting")
	flags.BoolVar(&opts.thinking, "thinking", false, "enable extended thinking")
	flags.IntVar(&opts.thinkingBudget, "thinking-budget", 0, "thinking token budget")

	root.AddCommand(
		newRunCmd(opts),
		newDaemonCmd(opts),
		newExecCmd(opts),
		newTailCmd(opts),
		newRemoteCmd(opts),
	)
	return root
}

// loadConfig resolves settings with flags taking precedence over env and
// file.
func (o *cliOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.model != "" {
		cfg.LLM.Model = o.model
	}
	if o.provider != "" {
		cfg.LLM.Provider = o.provider
	}
	if o.apiKey != "" {
		cfg.LLM.APIKey = o.apiKey
	}
	if o.baseURL != "" {
		cfg.LLM.BaseURL = o.baseURL
	}
	if o.thinking {
		cfg.LLM.Thinking.Enabled = true
	}
	if o.thinkingBudget > 0 {
		cfg.LLM.Thinking.Budget = o.thinkingBudget
	}
	return cfg, nil
}

func llmConfig(cfg *config.Config) agent.LLMConfig {
	return agent.LLMConfig{
		Provider:       cfg.LLM.Provider,
		Model:          cfg.LLM.Model,
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		MaxTokens:      cfg.LLM.MaxTokens,
		EnableThinking: cfg.LLM.Thinking.Enabled,
		ThinkingBudget: cfg.LLM.Thinking.Budget,
	}
}
