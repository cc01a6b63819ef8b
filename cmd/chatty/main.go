// Package main provides the CLI entry point for the Chatty streaming chat
// service.
//
// Chatty serves a single streaming chat endpoint backed by an
// OpenAI-compatible model, with layered admission control, conversation
// history, a semantic response cache, and retrieval-augmented answers.
//
// # Basic Usage
//
// Start the server:
//
//	chatty serve --config chatty.yaml
//
// Index knowledge documents for the search tool:
//
//	chatty ingest docs/*.md
//
// Print build information:
//
//	chatty version
//
// # Environment Variables
//
// The configuration file is passed through os.ExpandEnv before parsing, so
// values like ${OPENAI_API_KEY} resolve from the environment.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chattyhq/chatty/internal/config"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached. It is
// separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "chatty",
		Short: "Chatty - streaming LLM chat service",
		Long: `Chatty serves one streaming chat endpoint backed by an OpenAI-compatible
model. Requests pass a bounded inbox, a model-concurrency semaphore, and an
anti-flood guard before streaming; answers can come from a semantic cache or
a tool-calling agent loop with retrieval over an indexed knowledge base.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (built-in defaults when omitted)")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildIngestCmd(&configPath),
		buildVersionCmd(),
	)

	return rootCmd
}

// loadConfig reads the configuration file, or returns the built-in defaults
// when no path was given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatty %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}
