package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aetherhq/aether-gateway/internal/process"
	"github.com/aetherhq/aether-gateway/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway service",
	Long:  `Start the LLM gateway service in the foreground.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)

	if err := ensureConfigExists(); err != nil {
		return err
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("starting gateway",
		"host", cfg.Host,
		"port", cfg.Port,
		"endpoints", len(cfg.Endpoints),
		"tunnel_nodes", len(cfg.Tunnel.NodeTokens),
	)

	procMgr := process.NewManager(baseDir)
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	srv := server.New(cfgMgr, logger)

	return srv.Start()
}
