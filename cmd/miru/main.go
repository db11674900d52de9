// Package main is the miru CLI entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/cli"
	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/pkg/utils"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

const (
	defaultConfigPath = "/usr/local/etc/miru/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

var (
	configPath   string
	serverURL    string
	outputFormat string
	debugFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "miru",
	Short: "miru - product recommendations from images and behaviour",
	Long: `miru serves product recommendations by blending visual similarity of
product images with co-occurrence of products in user browsing sessions.

Examples:
  miru server
  miru record user-42 sku-1001
  miru recommend --user user-42
  miru recommend --product sku-1001 --strategy visual --limit 10
  miru search ./photos/chair.jpg
  miru stats --output json`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, `server URL (use --server "" to open local storage directly)`)
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text or json")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads config from path. When path is the default, a config.yaml in
// the working directory takes precedence, so running from a project directory
// picks up its config. When neither exists the built-in defaults are used.
// Returns the config and the path that was loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				cfg, err := config.Load(fallback)
				if err != nil {
					return nil, "", err
				}
				return cfg, fallback, nil
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := &config.Config{}
			config.ApplyDefaults(cfg)
			return cfg, "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// commandLogger returns the stderr logger used by one-shot commands.
func commandLogger(cfg *config.Config) (*zap.Logger, error) {
	return utils.NewCLILogger(debugFlag || (cfg != nil && cfg.Debug))
}

func outputMode() (cli.OutputFormat, error) {
	return cli.ParseOutputFormat(outputFormat)
}

// withComponents loads config, opens local storage and runs fn. The index
// snapshot is written back on close when autosave is enabled.
func withComponents(cmd *cobra.Command, fn func(c *Components) error) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := commandLogger(cfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	c, err := initializeComponents(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(c)
	if err := c.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
