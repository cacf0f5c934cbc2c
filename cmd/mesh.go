package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/meshcam/internal/mesh"
	"github.com/andresmejia3/meshcam/internal/types"
	"github.com/andresmejia3/meshcam/internal/utils"
	"github.com/spf13/cobra"
)

var meshCmd = &cobra.Command{
	Use:   "mesh",
	Short: "Inspect or build triangulation tables",
}

var meshCheckCmd = &cobra.Command{
	Use:   "check <table.json>",
	Short: "Validate a triangulation table against the 468-point mesh",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		table, err := mesh.LoadFile(args[0])
		if err != nil {
			utils.Die("Invalid triangulation table", err, nil)
		}
		fmt.Printf("✅ %s: %d triangles, highest index %d\n", args[0], table.Triangles(), table.MaxIndex())
	},
}

var deriveImage string
var deriveOutput string

var meshDeriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Build a triangulation table from the face in a reference image",
	Run: func(cmd *cobra.Command, args []string) {
		_, preds, err := estimateImage(cmd.Context(), Settings, deriveImage, false)
		if err != nil {
			utils.Die("Failed to find a reference face", err, nil)
		}
		if len(preds) == 0 {
			utils.Die("Failed to find a reference face", errors.New("no face detected"), nil)
		}

		table, err := mesh.Derive(preds[0])
		if err != nil {
			utils.Die("Failed to derive triangulation", err, nil)
		}
		if err := writeTable(deriveOutput, table); err != nil {
			utils.Die("Failed to write triangulation", err, nil)
		}
		fmt.Fprintf(os.Stderr, "🔺 Wrote %d triangles over %d keypoints to %s\n", table.Triangles(), types.NumKeypoints, deriveOutput)
	},
}

func init() {
	meshDeriveCmd.Flags().StringVarP(&deriveImage, "image", "i", "", "JPEG image with one frontal face")
	meshDeriveCmd.Flags().StringVarP(&deriveOutput, "output", "o", "triangulation.json", "Where to write the table")
	meshDeriveCmd.MarkFlagRequired("image")

	meshCmd.AddCommand(meshCheckCmd, meshDeriveCmd)
	rootCmd.AddCommand(meshCmd)
}

func writeTable(path string, table mesh.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := table.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
