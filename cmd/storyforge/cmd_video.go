package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/storyforge/internal/session"
	"github.com/user/storyforge/internal/types"
)

func init() {
	rootCmd.AddCommand(videoCmd)
	videoCmd.AddCommand(videoRunCmd, videoStatusCmd)
	videoRunCmd.Flags().Bool("resume", false, "continue with pending scenes instead of restarting every scene")
}

var videoCmd = &cobra.Command{
	Use:   "video",
	Short: "Generate scene videos",
}

var videoRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate a video for every scene and wait for the run to finish",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resume, _ := cmd.Flags().GetBool("resume")
		opts := appOptions{onVideoUpdate: func(_ types.SessionID, job types.SceneVideoJob) {
			printJob(job)
		}}
		return withApp(cmd, opts, func(ctx context.Context, a *app) error {
			sess, err := a.currentSession(ctx)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if resume {
				sess.GenerateNextScene(0)
			} else if err := sess.StartVideoGeneration(ctx); err != nil {
				return err
			}

			if err := sess.Pipeline().Wait(ctx); err != nil {
				sess.StopVideoGeneration()
				fmt.Fprintln(os.Stderr, "Interrupted; pending scenes can be resumed with 'video run --resume'.")
				return nil
			}
			fmt.Fprintf(os.Stdout, "Video run finished: %.0f%%\n", sess.VideoProgress())
			return nil
		})
	},
}

func printJob(job types.SceneVideoJob) {
	switch job.Status {
	case types.JobCompleted:
		fmt.Fprintf(os.Stdout, "scene %d: completed %s\n", job.SceneIndex+1, job.VideoURL)
	case types.JobFailed:
		fmt.Fprintf(os.Stdout, "scene %d: failed: %s\n", job.SceneIndex+1, job.Error)
	case types.JobRetryScheduled:
		fmt.Fprintf(os.Stdout, "scene %d: %s\n", job.SceneIndex+1, job.Message)
	default:
		fmt.Fprintf(os.Stdout, "scene %d: %s %d%%\n", job.SceneIndex+1, job.Status, job.Progress)
	}
}

var videoStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scene video jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			jobs := sess.VideoJobs()
			if len(jobs) == 0 {
				fmt.Println("No video jobs.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCENE\tSTATUS\tPROGRESS\tRETRIES\tDETAIL")
			for _, j := range jobs {
				detail := j.VideoURL
				if j.Error != "" {
					detail = j.Error
				} else if j.Message != "" && detail == "" {
					detail = j.Message
				}
				fmt.Fprintf(w, "%d\t%s\t%d%%\t%d\t%s\n", j.SceneIndex+1, j.Status, j.Progress, j.RetryCount, detail)
			}
			w.Flush()
			fmt.Printf("\nOverall: %.0f%%\n", sess.VideoProgress())
			return nil
		})
	},
}
