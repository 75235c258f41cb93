// Package cli wires the lifecycle orchestrator into a cobra command tree
// for pipelines that shell out instead of linking the Go API.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ollamactl/internal/config"
	"ollamactl/internal/lifecycle"
)

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd constructs the ollamactl command tree.
func NewRootCmd() *cobra.Command {
	var (
		cfgPath  string
		logLevel string
		cfg      config.Config
		log      zerolog.Logger
	)

	root := &cobra.Command{
		Use:           "ollamactl",
		Short:         "Manage a local Ollama server for build pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Config file (.yaml/.json/.toml); defaults apply when omitted")
	root.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error (defaults OLLAMACTL_LOG_LEVEL or info)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if f := cmd.InheritedFlags().Lookup("log-level"); f != nil {
			logLevel = f.Value.String()
		}
		if v := os.Getenv("OLLAMACTL_LOG_LEVEL"); v != "" && !cmd.Flags().Changed("log-level") {
			logLevel = v
		}
		log = newLogger(logLevel)
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	}

	newOrch := func() (*lifecycle.Orchestrator, error) {
		return lifecycle.New(cfg, log)
	}

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Resolve port, install if needed, start the server and wait until ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrch()
			if err != nil {
				return err
			}
			out := o.Setup(cmd.Context())
			printJSON(out)
			if !out.Success {
				return fmt.Errorf("setup failed: %s", out.Message)
			}
			return nil
		},
	}

	teardownCmd := &cobra.Command{
		Use:   "teardown",
		Short: "Stop the managed server",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrch()
			if err != nil {
				return err
			}
			printJSON(o.Teardown(cmd.Context()))
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report process liveness and service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrch()
			if err != nil {
				return err
			}
			printJSON(o.Status(cmd.Context()))
			return nil
		},
	}

	pullCmd := &cobra.Command{
		Use:     "pull <model>[:tag]",
		Short:   "Pull a model through the running server (idempotent)",
		Example: "  ollamactl pull llama3.2:1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrch()
			if err != nil {
				return err
			}
			name, tag := splitRef(args[0])
			out := o.PullModel(cmd.Context(), name, tag)
			printJSON(out)
			if !out.Success {
				return fmt.Errorf("pull failed: %s", out.Message)
			}
			return nil
		},
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Resolve or install the server executable without starting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrch()
			if err != nil {
				return err
			}
			out := o.Install(cmd.Context())
			printJSON(out)
			if !out.Success {
				return fmt.Errorf("install failed: %s", out.Message)
			}
			return nil
		},
	}

	resolvePortCmd := &cobra.Command{
		Use:   "resolve-port",
		Short: "Report what the configured port resolves to",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrch()
			if err != nil {
				return err
			}
			printJSON(o.ResolvePort())
			return nil
		},
	}

	var verifyPrompt string
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Run a one-shot generation against the first configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOrch()
			if err != nil {
				return err
			}
			reply, err := o.Verify(cmd.Context(), verifyPrompt)
			if err != nil {
				return fmt.Errorf("verify failed: %w", err)
			}
			fmt.Println(reply)
			return nil
		},
	}
	verifyCmd.Flags().StringVar(&verifyPrompt, "prompt", "Reply with the single word: ready", "Prompt sent to the model")

	root.AddCommand(setupCmd, teardownCmd, statusCmd, pullCmd, installCmd, resolvePortCmd, verifyCmd)
	return root
}

func newLogger(level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn", "warning":
		lvl = zerolog.WarnLevel
	case "error", "err":
		lvl = zerolog.ErrorLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}

func splitRef(ref string) (name, tag string) {
	if i := strings.LastIndex(ref, ":"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}
