package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/anvil/internal/worker/ipc"
	"github.com/haasonsaas/anvil/internal/worker/lifecycle"
	"github.com/haasonsaas/anvil/pkg/models"
)

func newDaemonCmd(opts *cliOptions) *cobra.Command {
	daemon := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background worker daemon",
	}

	daemon.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the daemon if it is not running",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := lifecycle.DefaultPaths()
			if err != nil {
				return err
			}
			if err := lifecycle.StartDaemon(cmd.Context(), paths, ""); err != nil {
				return err
			}
			fmt.Println("daemon running")
			return nil
		},
	})

	daemon.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := lifecycle.DefaultPaths()
			if err != nil {
				return err
			}
			if err := lifecycle.StopDaemon(cmd.Context(), paths); err != nil {
				return err
			}
			fmt.Println("daemon stopped")
			return nil
		},
	})

	daemon.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := lifecycle.DefaultPaths()
			if err != nil {
				return err
			}
			running, pong := lifecycle.IsRunning(cmd.Context(), paths)
			if !running {
				fmt.Println("daemon: not running")
				return nil
			}
			fmt.Printf("daemon: running (pid %d, version %s)\n", pong.PID, pong.Version)
			return nil
		},
	})

	return daemon
}

func newExecCmd(opts *cliOptions) *cobra.Command {
	var (
		detach    bool
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "exec <prompt>",
		Short: "Run a prompt through the daemon, surviving this terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			paths, err := lifecycle.DefaultPaths()
			if err != nil {
				return err
			}
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}

			client, err := lifecycle.Client(cmd.Context(), paths, "")
			if err != nil {
				return err
			}
			defer client.Close()

			prompt := args[0]
			for _, a := range args[1:] {
				prompt += " " + a
			}
			result, err := client.Execute(cmd.Context(), ipc.ExecuteParams{
				SessionID:   sessionID,
				ProjectRoot: cwd,
				Model:       cfg.LLM.Model,
				Prompt:      prompt,
			})
			if err != nil {
				return err
			}

			if detach {
				fmt.Printf("session: %s\ntask: %s\n", result.SessionID, result.TaskID)
				fmt.Printf("follow with: anvil tail %s\n", result.TaskID)
				return nil
			}

			status, err := client.StreamOutput(cmd.Context(), result.TaskID, printChunk)
			if err != nil {
				return err
			}
			if status != models.TaskCompleted {
				return fmt.Errorf("task %s", status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return immediately; follow later with anvil tail")
	cmd.Flags().StringVar(&sessionID, "session", "", "reuse an existing session")
	return cmd
}

func newTailCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <task-id>",
		Short: "Stream a daemon task's output from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := lifecycle.DefaultPaths()
			if err != nil {
				return err
			}
			running, _ := lifecycle.IsRunning(cmd.Context(), paths)
			if !running {
				return fmt.Errorf("daemon is not running")
			}
			client, err := lifecycle.Client(cmd.Context(), paths, "")
			if err != nil {
				return err
			}
			defer client.Close()

			status, err := client.StreamOutput(cmd.Context(), args[0], printChunk)
			if err != nil {
				return err
			}
			fmt.Printf("[task %s]\n", status)
			return nil
		},
	}
}

// printChunk renders one output chunk for the terminal.
func printChunk(chunk models.OutputChunk) {
	switch chunk.Type {
	case models.ChunkText:
		fmt.Println(chunk.Content)
	case models.ChunkThinking:
		// Thinking stays out of the transcript view.
	case models.ChunkToolUse:
		name := ""
		if chunk.Attrs != nil {
			name = chunk.Attrs.ToolName
		}
		fmt.Printf("⏺ %s\n", name)
	case models.ChunkToolResult:
		if chunk.Attrs != nil && chunk.Attrs.IsError {
			fmt.Printf("  ✗ %s\n", firstLine(chunk.Content))
		}
	case models.ChunkStatus:
		fmt.Printf("  %s\n", chunk.Content)
	case models.ChunkError:
		fmt.Fprintln(os.Stderr, "Error:", chunk.Content)
	}
}
