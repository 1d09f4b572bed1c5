package main

import (
	"fmt"
	"time"

	"github.com/cuemby/darkroom/pkg/client"
	"github.com/cuemby/darkroom/pkg/types"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE",
	Short: "Upload a photo for processing",
	Long: `Upload a photo to a darkroom node and enqueue it for processing.

Examples:
  # Upload with the default pipeline
  darkroom ingest sunset.png --client-id studio-1

  # Jump the queue with the fast pipeline
  darkroom ingest preview.jpg --client-id studio-1 --pipeline quick_processing --priority 1

  # Block until processing reaches a terminal status
  darkroom ingest sunset.png --client-id studio-1 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().String("addr", "localhost:8080", "Node address")
	ingestCmd.Flags().String("client-id", "", "Client identifier (required)")
	ingestCmd.Flags().String("session-id", "", "Session for websocket event routing")
	ingestCmd.Flags().String("user-id", "", "Owning user")
	ingestCmd.Flags().String("pipeline", "", "Pipeline name (default full_processing)")
	ingestCmd.Flags().Int("priority", 0, "Queue priority 1..10, 1 highest")
	ingestCmd.Flags().String("name", "", "Original name (defaults to the file name)")
	ingestCmd.Flags().Bool("wait", false, "Poll until processing finishes")
	_ = ingestCmd.MarkFlagRequired("client-id")

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	clientID, _ := cmd.Flags().GetString("client-id")
	sessionID, _ := cmd.Flags().GetString("session-id")
	userID, _ := cmd.Flags().GetString("user-id")
	pipeline, _ := cmd.Flags().GetString("pipeline")
	priority, _ := cmd.Flags().GetInt("priority")
	name, _ := cmd.Flags().GetString("name")
	wait, _ := cmd.Flags().GetBool("wait")

	c := client.New(addr)

	fmt.Printf("Uploading %s...\n", args[0])
	rec, err := c.Upload(args[0], client.UploadOptions{
		Name:      name,
		ClientID:  clientID,
		SessionID: sessionID,
		UserID:    userID,
		Pipeline:  pipeline,
		Priority:  priority,
	})
	if err != nil {
		return fmt.Errorf("failed to upload: %v", err)
	}

	fmt.Printf("✓ Photo queued: %s\n", rec.ID)
	fmt.Printf("  Name:     %s\n", rec.OriginalName)
	fmt.Printf("  Size:     %d bytes\n", rec.SizeBytes)
	fmt.Printf("  Type:     %s\n", rec.MimeType)
	fmt.Printf("  Pipeline: %s\n", rec.Pipeline)

	if !wait {
		return nil
	}

	fmt.Println()
	fmt.Println("Waiting for processing...")
	rec, err = waitTerminal(c, rec.ID)
	if err != nil {
		return err
	}

	switch rec.Status {
	case types.PhotoStatusCompleted:
		fmt.Printf("✓ Processing complete: %d artifacts\n", len(rec.Artifacts))
		for _, a := range rec.Artifacts {
			fmt.Printf("  %-16s %s (%d bytes)\n", a.Role, a.BlobKey, a.SizeBytes)
		}
	case types.PhotoStatusCancelled:
		fmt.Println("Processing cancelled")
	default:
		return fmt.Errorf("processing failed: %s", rec.Error)
	}
	return nil
}

// waitTerminal polls the record until it leaves the queued and
// in-progress states.
func waitTerminal(c *client.Client, id string) (*types.PhotoRecord, error) {
	for {
		rec, err := c.GetPhoto(id)
		if err != nil {
			return nil, fmt.Errorf("failed to poll photo: %v", err)
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}
