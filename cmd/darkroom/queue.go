package main

import (
	"fmt"

	"github.com/cuemby/darkroom/pkg/client"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the job queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-state queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := queueClient(cmd)
		stats, err := c.QueueStats()
		if err != nil {
			return fmt.Errorf("failed to get queue stats: %v", err)
		}

		fmt.Println("Queue:")
		fmt.Printf("  Waiting:      %d\n", stats.Waiting)
		fmt.Printf("  Delayed:      %d\n", stats.Delayed)
		fmt.Printf("  Active:       %d\n", stats.Active)
		fmt.Printf("  Completed:    %d\n", stats.Completed)
		fmt.Printf("  Dead letters: %d\n", stats.DeadLetters)
		if stats.Paused {
			fmt.Println("  State:        PAUSED")
		}
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop workers from claiming new jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := queueClient(cmd)
		if err := c.PauseQueue(); err != nil {
			return fmt.Errorf("failed to pause queue: %v", err)
		}
		fmt.Println("✓ Queue paused (active jobs will finish)")
		return nil
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume claiming after a pause",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := queueClient(cmd)
		if err := c.ResumeQueue(); err != nil {
			return fmt.Errorf("failed to resume queue: %v", err)
		}
		fmt.Println("✓ Queue resumed")
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		c := queueClient(cmd)
		dead, err := c.DeadLetters(limit)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %v", err)
		}
		if len(dead) == 0 {
			fmt.Println("No dead letters.")
			return nil
		}

		fmt.Printf("%d dead letter(s):\n", len(dead))
		for _, d := range dead {
			fmt.Printf("  %s\n", d.JobID)
			fmt.Printf("    Photo:    %s\n", d.PhotoID)
			fmt.Printf("    Attempts: %d\n", d.Attempts)
			fmt.Printf("    Failed:   %s\n", d.FailedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Printf("    Error:    %s\n", d.LastError)
		}
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue JOB_ID",
	Short: "Move a dead letter back to the waiting queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := queueClient(cmd)
		job, err := c.RequeueDead(args[0])
		if err != nil {
			return fmt.Errorf("failed to requeue: %v", err)
		}
		fmt.Printf("✓ Job requeued: %s (photo %s)\n", job.ID, job.PhotoID)
		return nil
	},
}

func init() {
	queueCmd.PersistentFlags().String("addr", "localhost:8080", "Node address")
	queueDeadCmd.Flags().Int("limit", 50, "Maximum dead letters to list")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueCmd.AddCommand(queueRequeueCmd)

	rootCmd.AddCommand(queueCmd)
}

func queueClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}
