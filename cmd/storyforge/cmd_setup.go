package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/storyforge/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Storyforge Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.OpenAI.BaseURL = prompt(scanner, "Text/image API base URL", cfg.OpenAI.BaseURL)
		cfg.OpenAI.APIKey = prompt(scanner, "Text/image API key", cfg.OpenAI.APIKey)
		cfg.OpenAI.Model = prompt(scanner, "Story model", cfg.OpenAI.Model)
		cfg.OpenAI.ImageModel = prompt(scanner, "Image model", cfg.OpenAI.ImageModel)

		cfg.Video.BaseURL = prompt(scanner, "Video API base URL (empty uses the text API)", cfg.Video.BaseURL)
		cfg.Video.APIKey = prompt(scanner, "Video API key (optional)", cfg.Video.APIKey)
		cfg.Video.Provider = prompt(scanner, "Video provider", cfg.Video.Provider)
		retries := prompt(scanner, "Max rate-limit retries per scene", strconv.Itoa(cfg.Video.MaxRetries))
		if n, err := strconv.Atoi(retries); err == nil && n >= 0 {
			cfg.Video.MaxRetries = n
		}

		cfg.Storage.Driver = prompt(scanner, "Storage driver (file, sqlite, redis, memory)", cfg.Storage.Driver)

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			chat := prompt(scanner, "Telegram chat id for video updates", strconv.FormatInt(cfg.Telegram.ChatID, 10))
			if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
				cfg.Telegram.ChatID = id
			}
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid settings, nothing saved: %w", err)
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
