package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/storyforge/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configKeysCmd, configGetCmd, configSetCmd, configResetCmd)
	configListCmd.Flags().Bool("show-secrets", false, "print API keys and tokens unmasked")
	configGetCmd.Flags().Bool("show-secrets", false, "print the value unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change settings",
	Long: `Settings use dotted keys such as video.retry_delay or storage.driver.
Values are checked against the key's type before they are written; run
'storyforge config keys' for the list. Environment variables (OPENAI_API_KEY,
VIDEO_API_KEY, REDIS_URL, ...) override the file at load time.`,
}

// display masks secret values unless reveal is set.
func display(key string, v any, reveal bool) any {
	if reveal || !config.IsSecretKey(key) {
		return v
	}
	return config.MaskSecrets(map[string]any{key: v})[key]
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective settings, including environment overrides",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reveal, _ := cmd.Flags().GetBool("show-secrets")
		values, err := config.ListValues(loadConfig(), !reveal)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, k := range config.Keys() {
			fmt.Fprintf(w, "%s\t%v\n", k, values[k])
		}
		return w.Flush()
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Describe every setting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tTYPE")
		for _, k := range config.Keys() {
			fmt.Fprintf(w, "%s\t%s\n", k, config.Describe(k))
		}
		return w.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value stored in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reveal, _ := cmd.Flags().GetBool("show-secrets")
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, display(args[0], val, reveal))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Validate and store a setting",
	Example: `  storyforge config set storage.driver sqlite
  storyforge config set video.retry_delay 15s
  storyforge config set telegram.chat_id -1001234567890`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stored, err := config.SetValue(cfgPath, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s = %v\n", args[0], display(args[0], stored, false))
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Restore a setting to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stored, err := config.ResetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s = %v (default)\n", args[0], display(args[0], stored, false))
		return nil
	},
}
