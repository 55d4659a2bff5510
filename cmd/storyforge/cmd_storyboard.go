package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/storyforge/internal/session"
	"github.com/user/storyforge/internal/types"
)

func init() {
	rootCmd.AddCommand(storyboardCmd)
	storyboardCmd.AddCommand(storyboardCreateCmd, storyboardShowCmd, storyboardReorderCmd, storyboardFrameCmd)

	storyboardFrameCmd.Flags().Int("duration", 0, "frame duration in milliseconds")
	storyboardFrameCmd.Flags().String("transition", "", "transition into the frame")
	storyboardFrameCmd.Flags().String("caption", "", "frame caption")
}

var storyboardCmd = &cobra.Command{
	Use:   "storyboard",
	Short: "Assemble and edit the storyboard",
}

func printStoryboard(sb types.Storyboard) {
	if len(sb.Frames) == 0 {
		fmt.Println("Storyboard is empty: generate images first.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tKIND\tDURATION\tTRANSITION\tCAPTION\tIMAGE")
	for i, f := range sb.Frames {
		fmt.Fprintf(w, "%d\t%s\t%dms\t%s\t%s\t%s\n", i, f.Kind, f.DurationMS, f.Transition, clip(f.Caption, 40), f.ImageURL)
	}
	w.Flush()
}

var storyboardCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Build a storyboard from every entity with an active image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			printStoryboard(sess.CreateStoryboard())
			return nil
		})
	},
}

var storyboardShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the storyboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			sb := sess.Storyboard()
			if sb == nil {
				fmt.Println("No storyboard yet.")
				return nil
			}
			printStoryboard(*sb)
			return nil
		})
	},
}

var storyboardReorderCmd = &cobra.Command{
	Use:   "reorder <index>...",
	Short: "Reorder frames; the arguments list current frame indexes in their new order",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		order := make([]int, len(args))
		for i, a := range args {
			n, err := strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("invalid frame index %q: %w", a, err)
			}
			order[i] = n
		}
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			sb, err := sess.ReorderStoryboardFrames(order)
			if err != nil {
				return err
			}
			printStoryboard(sb)
			return nil
		})
	},
}

var storyboardFrameCmd = &cobra.Command{
	Use:   "frame <index>",
	Short: "Update a frame's duration, transition or caption",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid frame index %q: %w", args[0], err)
		}
		var patch types.FramePatch
		if cmd.Flags().Changed("duration") {
			d, _ := cmd.Flags().GetInt("duration")
			patch.DurationMS = &d
		}
		if cmd.Flags().Changed("transition") {
			t, _ := cmd.Flags().GetString("transition")
			patch.Transition = &t
		}
		if cmd.Flags().Changed("caption") {
			c, _ := cmd.Flags().GetString("caption")
			patch.Caption = &c
		}
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			frame, err := sess.UpdateStoryboardFrame(index, patch)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Frame %d: %dms, %s, %q\n", index, frame.DurationMS, frame.Transition, frame.Caption)
			return nil
		})
	},
}
