package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aetherhq/aether-gateway/internal/config"
	"github.com/aetherhq/aether-gateway/internal/providers"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the LLM gateway configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for a first upstream endpoint.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("Aether Gateway Configuration Setup")
	color.Yellow("Follow the prompts to configure your first upstream endpoint.")

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("\nProvider type (anthropic, openai, codex, gemini, openrouter, nvidia): ")
	providerType, _ := reader.ReadString('\n')
	providerType = strings.TrimSpace(providerType)

	fmt.Print("API Key: ")
	apiKey, _ := reader.ReadString('\n')
	apiKey = strings.TrimSpace(apiKey)

	fmt.Print("API Base URL (empty for the provider default): ")
	baseURL, _ := reader.ReadString('\n')
	baseURL = strings.TrimSpace(baseURL)

	fmt.Print("Models served (comma separated, '*' suffix for prefix match): ")
	modelsLine, _ := reader.ReadString('\n')
	var models []string
	for _, m := range strings.Split(modelsLine, ",") {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}

	fmt.Print("Gateway API Key (optional, for client authentication): ")
	gatewayKey, _ := reader.ReadString('\n')
	gatewayKey = strings.TrimSpace(gatewayKey)

	cfg := &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: gatewayKey,
		Endpoints: []config.Endpoint{
			{
				Name:     providerType + "-main",
				Provider: providerType,
				BaseURL:  baseURL,
				APIKey:   apiKey,
				Models:   models,
			},
		},
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("You can now start the gateway with: aethergw start")

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'aethergw config init' to create one.")
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-15s: %s\n", "API Key", maskString(cfg.APIKey))
	fmt.Printf("  %-15s: %v\n", "Conversion", cfg.FormatConversionEnabled())
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nEndpoints:")
	for i := range cfg.Endpoints {
		e := &cfg.Endpoints[i]
		fmt.Printf("  - Name: %s\n", e.Name)
		fmt.Printf("    Provider: %s\n", e.Provider)
		fmt.Printf("    Base URL: %s\n", e.BaseURL)
		fmt.Printf("    API Key: %s\n", maskString(e.APIKey))
		fmt.Printf("    Models: %v\n", e.Models)
		fmt.Printf("    Enabled: %v\n", e.IsEnabled())
		if e.NodeID != "" {
			fmt.Printf("    Tunnel Node: %s\n", e.NodeID)
		}
		fmt.Println()
	}

	if len(cfg.Tunnel.NodeTokens) > 0 {
		fmt.Println("Tunnel Nodes:")
		for nodeID, token := range cfg.Tunnel.NodeTokens {
			fmt.Printf("  - %s: %s\n", nodeID, maskString(token))
		}
	}

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	catalog := providers.NewRegistry()
	catalog.Initialize()

	var problems []string

	if len(cfg.Endpoints) == 0 {
		problems = append(problems, "no endpoints configured")
	}

	for i := range cfg.Endpoints {
		e := &cfg.Endpoints[i]
		if e.Name == "" {
			problems = append(problems, fmt.Sprintf("endpoint %d: name is required", i))
		}
		if e.Provider == "" && e.BaseURL == "" {
			problems = append(problems, fmt.Sprintf("endpoint %d: provider or base_url is required", i))
		}
		if e.Provider != "" {
			if _, ok := catalog.Get(e.Provider); !ok {
				problems = append(problems, fmt.Sprintf("endpoint %d: unknown provider %q", i, e.Provider))
			}
		}
		if e.NodeID != "" {
			if _, ok := cfg.Tunnel.NodeTokens[e.NodeID]; !ok {
				problems = append(problems, fmt.Sprintf("endpoint %d: node %q has no tunnel token", i, e.NodeID))
			}
		}
	}

	if len(problems) > 0 {
		color.Red("Configuration validation failed:")
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}

		return fmt.Errorf("configuration validation failed")
	}

	color.Green("Configuration is valid!")

	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}

	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
