package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/anvil/internal/remote"
	"github.com/haasonsaas/anvil/pkg/models"
)

func newRemoteCmd(opts *cliOptions) *cobra.Command {
	remoteCmd := &cobra.Command{
		Use:   "remote",
		Short: "Bootstrap and drive workers on SSH-reachable hosts",
	}

	var (
		user     string
		port     int
		keyPath  string
		password string
		method   string
	)

	hostFromFlags := func(hostname string) models.RemoteHost {
		auth := models.AuthMethod(method)
		if auth == "" {
			switch {
			case keyPath != "":
				auth = models.AuthKey
			case password != "":
				auth = models.AuthPassword
			default:
				auth = models.AuthAgent
			}
		}
		return models.RemoteHost{
			Hostname:   hostname,
			Port:       port,
			Username:   user,
			AuthMethod: auth,
			KeyPath:    keyPath,
			Password:   password,
		}
	}

	newPool := func() (*remote.Pool, error) {
		cfg, err := opts.loadConfig()
		if err != nil {
			return nil, err
		}
		return remote.NewPool(&remote.Bootstrapper{
			Runtime:        cfg.Remote.Runtime,
			InstallCommand: cfg.Remote.InstallCommand,
			ConnectTimeout: cfg.Remote.ConnectTimeout,
			IdleTimeout:    cfg.Remote.IdleTimeout,
			WorkerScript:   remote.WorkerScript,
		}), nil
	}

	connect := &cobra.Command{
		Use:   "connect <hostname>",
		Short: "Bootstrap a worker on the host and verify it is healthy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := newPool()
			if err != nil {
				return err
			}
			id, err := pool.Connect(cmd.Context(), hostFromFlags(args[0]))
			if err != nil {
				return err
			}
			conn, _ := pool.Get(id)
			fmt.Printf("connected: %s (worker pid %d, port %d)\n", id, conn.PID, conn.DaemonPort)
			return nil
		},
	}

	exec := &cobra.Command{
		Use:   "exec <hostname> <command>",
		Short: "Run a command on the host's worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := newPool()
			if err != nil {
				return err
			}
			host := hostFromFlags(args[0])
			id, err := pool.Connect(cmd.Context(), host)
			if err != nil {
				return err
			}
			result, err := pool.Execute(cmd.Context(), id, args[1], "", 2*time.Minute)
			if err != nil {
				return err
			}
			if result.Stdout != "" {
				fmt.Printf("[%s] %s\n", result.Host, result.Stdout)
			}
			if result.Stderr != "" {
				fmt.Printf("[%s] stderr: %s\n", result.Host, result.Stderr)
			}
			if result.ExitCode != 0 {
				return fmt.Errorf("[%s] exit code %d", result.Host, result.ExitCode)
			}
			return nil
		},
	}

	disconnect := &cobra.Command{
		Use:   "disconnect <hostname>",
		Short: "Shut down the host's worker and forget the connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := newPool()
			if err != nil {
				return err
			}
			pool.Disconnect(cmd.Context(), hostFromFlags(args[0]).ConnectionID())
			fmt.Println("disconnected")
			return nil
		},
	}

	for _, c := range []*cobra.Command{connect, exec, disconnect} {
		c.Flags().StringVarP(&user, "user", "u", "", "SSH username")
		c.Flags().IntVarP(&port, "port", "p", 22, "SSH port")
		c.Flags().StringVar(&keyPath, "key", "", "private key path (key auth)")
		c.Flags().StringVar(&password, "password", "", "password (password auth)")
		c.Flags().StringVar(&method, "auth", "", "auth method: key, password, or agent")
		remoteCmd.AddCommand(c)
	}
	return remoteCmd
}
