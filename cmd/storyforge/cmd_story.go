package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/storyforge/internal/session"
	"github.com/user/storyforge/internal/types"
)

func init() {
	rootCmd.AddCommand(storyCmd)
	storyCmd.AddCommand(storyGenerateCmd, storyImproveCmd, storyRevertCmd, storyHistoryCmd, storyShowCmd)
}

var storyCmd = &cobra.Command{
	Use:   "story",
	Short: "Generate and revise the session's story",
}

var storyGenerateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Generate a new story version from a prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			story, err := sess.GenerateStory(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			printStory(story)
			return nil
		})
	},
}

var storyImproveCmd = &cobra.Command{
	Use:   "improve [instructions]",
	Short: "Derive a new story version from the current one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			story, err := sess.ImproveStory(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			printStory(story)
			return nil
		})
	},
}

var storyRevertCmd = &cobra.Command{
	Use:   "revert <version>",
	Short: "Revert to a story version, discarding later ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			// Versions are numbered from 1 on the command line.
			story, err := sess.RevertToStory(n - 1)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Reverted to version %d: %q\n", n, story.Title)
			return nil
		})
	},
}

var storyHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List story versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			history := sess.StoryHistory()
			if len(history) == 0 {
				fmt.Println("No stories yet.")
				return nil
			}
			current := currentIndex(sess)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tTITLE\tSCENES\tCREATED\t")
			for i, v := range history {
				marker := ""
				if i == current {
					marker = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", i+1, v.Title, len(v.Scenes), v.CreatedAt.Local().Format("2006-01-02 15:04:05"), marker)
			}
			return w.Flush()
		})
	},
}

var storyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current story",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			story := sess.CurrentStory()
			if story == nil {
				fmt.Println("No stories yet.")
				return nil
			}
			printStory(story)
			return nil
		})
	},
}

func printStory(v *types.StoryVersion) {
	fmt.Printf("# %s\n\n", v.Title)
	for i, sc := range v.Scenes {
		fmt.Printf("## %d. %s\n", i+1, sc.Title)
		if sc.Location != "" {
			fmt.Printf("Location: %s\n", sc.Location)
		}
		if len(sc.Characters) > 0 {
			fmt.Printf("Characters: %s\n", strings.Join(sc.Characters, ", "))
		}
		fmt.Println(sc.Description)
		if sc.Action != "" {
			fmt.Printf("Action: %s\n", sc.Action)
		}
		if sc.Dialog != "" {
			fmt.Printf("Dialog: %s\n", sc.Dialog)
		}
		fmt.Println()
	}
}
