package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/storyforge/internal/session"
	"github.com/user/storyforge/internal/types"
)

func init() {
	rootCmd.AddCommand(characterCmd, sceneCmd, elementCmd)
	characterCmd.AddCommand(characterExtractCmd, characterEnhanceCmd, characterImageCmd, characterHistoryCmd)
	sceneCmd.AddCommand(sceneExtractCmd, sceneEnhanceCmd, sceneImageCmd, sceneHistoryCmd, sceneAssignCmd, sceneUnassignCmd)
	elementCmd.AddCommand(elementListCmd, elementExtractLocationsCmd, elementEnhanceCmd, elementImageCmd, elementDeleteCmd, elementActivateImageCmd)

	for _, c := range []*cobra.Command{characterImageCmd, sceneImageCmd, elementImageCmd} {
		c.Flags().String("style", "", "image style (vivid or natural)")
		c.Flags().String("size", "", "image size, e.g. 1024x1024")
		c.Flags().String("quality", "", "image quality (standard or hd)")
	}
}

func imageOptions(cmd *cobra.Command) types.ImageOptions {
	style, _ := cmd.Flags().GetString("style")
	size, _ := cmd.Flags().GetString("size")
	quality, _ := cmd.Flags().GetString("quality")
	return types.ImageOptions{Style: style, Size: size, Quality: quality}
}

func printElements(elements []types.WorldElement) {
	if len(elements) == 0 {
		fmt.Println("No elements.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tDESCRIPTION")
	for _, el := range elements {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", el.ID, el.Type, el.Name, clip(el.PromptSource(), 60))
	}
	w.Flush()
}

func printElement(el types.WorldElement) {
	fmt.Printf("%s %s (%s)\n", el.Type, el.Name, el.ID)
	fmt.Println(el.PromptSource())
	if img := el.ActiveImage(); img != nil {
		fmt.Printf("Image: %s\n", img.URL)
	}
}

func printScenes(scenes []types.SceneSlot) {
	if len(scenes) == 0 {
		fmt.Println("No scenes.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\t#\tTITLE\tSTATUS\tELEMENTS")
	for _, sc := range scenes {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\n", sc.ID, sc.SceneIndex+1, sc.Title, sc.Status, len(sc.Elements))
	}
	w.Flush()
}

func printHistory(history []types.Snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tCREATED\tIMAGE\tDESCRIPTION")
	for _, h := range history {
		desc := h.EnhancedDescription
		if desc == "" {
			desc = h.Description
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", h.Version, h.CreatedAt.Local().Format("2006-01-02 15:04:05"), h.ImageID, clip(desc, 60))
	}
	w.Flush()
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

var characterCmd = &cobra.Command{
	Use:   "character",
	Short: "Work with the story's characters",
}

var characterExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract characters from the current story",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			printElements(sess.ExtractCharacters())
			return nil
		})
	},
}

var characterEnhanceCmd = &cobra.Command{
	Use:   "enhance <id> [direction]",
	Short: "Enhance a character's description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			el, err := sess.EnhanceCharacter(ctx, types.ElementID(args[0]), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printElement(el)
			return nil
		})
	},
}

var characterImageCmd = &cobra.Command{
	Use:   "image <id>",
	Short: "Generate an image of a character",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			el, err := sess.GenerateCharacterImage(ctx, types.ElementID(args[0]), imageOptions(cmd))
			if err != nil {
				return err
			}
			printElement(el)
			return nil
		})
	},
}

var characterHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a character's description and image history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			history, err := sess.CharacterHistory(types.ElementID(args[0]))
			if err != nil {
				return err
			}
			printHistory(history)
			return nil
		})
	},
}

var sceneCmd = &cobra.Command{
	Use:   "scene",
	Short: "Work with the story's scenes",
}

var sceneExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract scenes from the current story",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			printScenes(sess.ExtractScenes())
			return nil
		})
	},
}

var sceneEnhanceCmd = &cobra.Command{
	Use:   "enhance <id> [direction]",
	Short: "Enhance a scene's description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			sc, err := sess.EnhanceScene(ctx, types.SceneID(args[0]), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("Scene %d: %s\n%s\n", sc.SceneIndex+1, sc.Title, sc.PromptSource())
			return nil
		})
	},
}

var sceneImageCmd = &cobra.Command{
	Use:   "image <id>",
	Short: "Generate an image for a scene",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			sc, err := sess.GenerateSceneImage(ctx, types.SceneID(args[0]), imageOptions(cmd))
			if err != nil {
				return err
			}
			if img := sc.ActiveImage(); img != nil {
				fmt.Printf("Scene %d image: %s\n", sc.SceneIndex+1, img.URL)
			}
			return nil
		})
	},
}

var sceneHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a scene's description and image history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			history, err := sess.SceneHistory(types.SceneID(args[0]))
			if err != nil {
				return err
			}
			printHistory(history)
			return nil
		})
	},
}

var sceneAssignCmd = &cobra.Command{
	Use:   "assign <scene id> <element id>",
	Short: "Assign an element to a scene",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			return sess.AssignElement(types.SceneID(args[0]), types.ElementID(args[1]))
		})
	},
}

var sceneUnassignCmd = &cobra.Command{
	Use:   "unassign <scene id> <element id>",
	Short: "Remove an element from a scene",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			return sess.UnassignElement(types.SceneID(args[0]), types.ElementID(args[1]))
		})
	},
}

var elementCmd = &cobra.Command{
	Use:   "element",
	Short: "Work with any world element",
}

var elementListCmd = &cobra.Command{
	Use:   "list",
	Short: "List world elements",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			printElements(sess.Elements())
			return nil
		})
	},
}

var elementExtractLocationsCmd = &cobra.Command{
	Use:   "locations",
	Short: "Extract locations from the current story",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			printElements(sess.ExtractLocations())
			return nil
		})
	},
}

var elementEnhanceCmd = &cobra.Command{
	Use:   "enhance <id> [direction]",
	Short: "Enhance an element's description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			el, err := sess.EnhanceElement(ctx, types.ElementID(args[0]), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printElement(el)
			return nil
		})
	},
}

var elementImageCmd = &cobra.Command{
	Use:   "image <id>",
	Short: "Generate an image of an element",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			el, err := sess.GenerateElementImage(ctx, types.ElementID(args[0]), imageOptions(cmd))
			if err != nil {
				return err
			}
			printElement(el)
			return nil
		})
	},
}

var elementActivateImageCmd = &cobra.Command{
	Use:   "activate-image <entity id> <image id>",
	Short: "Make an image the active one for an element or scene",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			return sess.SetActiveImage(args[0], types.ImageID(args[1]))
		})
	},
}

var elementDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an element and remove it from scenes and the storyboard",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			n, err := sess.DeleteElement(types.ElementID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Element %s deleted (%d scenes updated).\n", args[0], n)
			return nil
		})
	},
}
