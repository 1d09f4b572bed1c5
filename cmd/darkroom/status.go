package main

import (
	"fmt"
	"sort"

	"github.com/cuemby/darkroom/pkg/client"
	"github.com/cuemby/darkroom/pkg/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status PHOTO_ID",
	Short: "Show a photo's processing status",
	Long: `Show a photo's record: lifecycle status, per-stage progress, and any
artifacts produced so far.

Examples:
  darkroom status 3f1c9a2e-8a4b-4f6d-9c7e-1d2b3a4c5e6f
  darkroom status 3f1c9a2e-8a4b-4f6d-9c7e-1d2b3a4c5e6f --addr worker-3:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("addr", "localhost:8080", "Node address")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	c := client.New(addr)
	rec, err := c.GetPhoto(args[0])
	if err != nil {
		return fmt.Errorf("failed to get photo: %v", err)
	}

	printRecord(rec)
	return nil
}

func printRecord(rec *types.PhotoRecord) {
	fmt.Printf("Photo: %s\n", rec.ID)
	fmt.Printf("  Name:     %s\n", rec.OriginalName)
	fmt.Printf("  Client:   %s\n", rec.ClientID)
	fmt.Printf("  Status:   %s\n", rec.Status)
	fmt.Printf("  Pipeline: %s\n", rec.Pipeline)
	fmt.Printf("  Size:     %d bytes (%s)\n", rec.SizeBytes, rec.MimeType)
	fmt.Printf("  Uploaded: %s\n", rec.UploadedAt.Format("2006-01-02 15:04:05 MST"))
	if rec.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", rec.CompletedAt.Format("2006-01-02 15:04:05 MST"))
	}

	if len(rec.StageProgress) > 0 {
		fmt.Println("  Stages:")
		names := make([]string, 0, len(rec.StageProgress))
		for name := range rec.StageProgress {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := rec.StageProgress[name]
			fmt.Printf("    %-22s %-8s %3d%%\n", name, p.State, p.Percent)
		}
	}

	if len(rec.Artifacts) > 0 {
		fmt.Println("  Artifacts:")
		for _, a := range rec.Artifacts {
			dims := ""
			if a.Width > 0 {
				dims = fmt.Sprintf(" %dx%d", a.Width, a.Height)
			}
			fmt.Printf("    %-16s %s (%d bytes%s)\n", a.Role, a.BlobKey, a.SizeBytes, dims)
		}
	}

	if rec.Error != "" {
		fmt.Printf("  Error: %s\n", rec.Error)
	}
}
