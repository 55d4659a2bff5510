package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/storyforge/internal/session"
	"github.com/user/storyforge/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionShowCmd, sessionDeleteCmd,
		sessionClearCmd, sessionUseCmd, sessionExportCmd, sessionImportCmd)

	sessionExportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	sessionExportCmd.Flags().Bool("all", false, "export every session as a JSON array")
	sessionImportCmd.Flags().Bool("all", false, "import a JSON array of sessions")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			sess, err := a.manager.CreateSession(ctx, name)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Created session %s (%s).\n", sess.ID(), sess.Name())
			return nil
		})
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			list, err := a.manager.ListSessions(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			var activeID types.SessionID
			if active, err := a.manager.ActiveSession(ctx); err == nil && active != nil {
				activeID = active.ID()
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTORIES\tCHARACTERS\tUPDATED\t")
			for _, s := range list {
				marker := ""
				if s.ID == activeID {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					s.ID,
					s.Name,
					s.StoryCount,
					s.CharacterCount,
					s.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
					marker,
				)
			}
			return w.Flush()
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			printSession(sess)
			return nil
		})
	},
}

func printSession(sess *session.Session) {
	meta := sess.Metadata()
	fmt.Printf("Session:    %s (%s)\n", meta.ID, meta.Name)
	fmt.Printf("Created:    %s\n", meta.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:    %s\n", meta.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if story := sess.CurrentStory(); story != nil {
		fmt.Printf("Story:      %q (version %d of %d)\n", story.Title, currentIndex(sess)+1, meta.StoryCount)
	} else {
		fmt.Println("Story:      none")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if elements := sess.Elements(); len(elements) > 0 {
		fmt.Fprintln(w, "\nELEMENT\tTYPE\tNAME\tENHANCED\tIMAGES")
		for _, el := range elements {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\n", el.ID, el.Type, el.Name, el.IsEnhanced, len(el.Images))
		}
	}
	if scenes := sess.Scenes(); len(scenes) > 0 {
		fmt.Fprintln(w, "\nSCENE\t#\tTITLE\tSTATUS\tIMAGES")
		for _, sc := range scenes {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\n", sc.ID, sc.SceneIndex+1, sc.Title, sc.Status, len(sc.Images))
		}
	}
	w.Flush()

	if sb := sess.Storyboard(); sb != nil {
		fmt.Printf("\nStoryboard: %d frames\n", len(sb.Frames))
	}
	if jobs := sess.VideoJobs(); len(jobs) > 0 {
		fmt.Printf("Video:      %.0f%% across %d scenes\n", sess.VideoProgress(), len(jobs))
	}
}

// currentIndex finds the position of the current story in the history.
func currentIndex(sess *session.Session) int {
	return sess.Snapshot().CurrentIndex
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.manager.DeleteSession(ctx, types.SessionID(args[0])); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Session %s deleted.\n", args[0])
			return nil
		})
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.manager.DeleteAllSessions(ctx); err != nil {
				return fmt.Errorf("clear sessions: %w", err)
			}
			fmt.Println("All sessions cleared.")
			return nil
		})
	},
}

var sessionUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make a session the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.manager.SetActiveSession(ctx, types.SessionID(args[0])); err != nil {
				return fmt.Errorf("use session: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Active session is now %s.\n", args[0])
			return nil
		})
	},
}

var sessionExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the current session (or all with --all) as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		all, _ := cmd.Flags().GetBool("all")
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			var (
				data []byte
				err  error
			)
			if all {
				data, err = a.manager.ExportAllSessions(ctx)
			} else {
				var sess *session.Session
				if sess, err = a.currentSession(ctx); err != nil {
					return err
				}
				data, err = a.manager.ExportSession(ctx, sess.ID())
			}
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if output == "" {
				_, err = os.Stdout.Write(append(data, '\n'))
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Exported to %s.\n", output)
			return nil
		})
	},
}

var sessionImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a session document (or an array with --all)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read import file: %w", err)
		}
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			if all {
				imported, err := a.manager.ImportAllSessions(ctx, data)
				if err != nil {
					return fmt.Errorf("import sessions: %w", err)
				}
				for _, sess := range imported {
					fmt.Fprintf(os.Stdout, "Imported session %s (%s).\n", sess.ID(), sess.Name())
				}
				return nil
			}
			sess, err := a.manager.ImportSession(ctx, data)
			if err != nil {
				return fmt.Errorf("import session: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Imported session %s (%s).\n", sess.ID(), sess.Name())
			return nil
		})
	},
}
