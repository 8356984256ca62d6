package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nettsmed/clicksync/internal/schema"
	"github.com/nettsmed/clicksync/internal/warehouse"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show warehouse status",
	Long: `Display row counts per entity in the local warehouse.

Shows:
  - Warehouse file location and size
  - Committed and staged row counts per entity`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		info, err := os.Stat(cfg.WarehousePath)
		if os.IsNotExist(err) {
			fmt.Printf("\nWarehouse not initialized at %s\n", cfg.WarehousePath)
			fmt.Printf("Run 'clicksync sync' to create it\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking warehouse: %v\n", err)
			os.Exit(1)
		}

		wh, err := warehouse.Open(cfg.WarehousePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening warehouse: %v\n", err)
			os.Exit(1)
		}
		defer wh.Close()

		if err := wh.InitSchema(); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\nWarehouse Status\n\n")
		fmt.Printf("Location: %s\n", cfg.WarehousePath)
		fmt.Printf("Size: %s\n", sizeStr)
		fmt.Printf("Modified: %s\n\n", info.ModTime().Format("2006-01-02 15:04:05"))

		ctx := context.Background()
		for _, entity := range schema.AllEntities {
			committed, err := wh.FactCount(ctx, entity)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting %s: %v\n", entity, err)
				os.Exit(1)
			}
			staged, err := wh.StagingCount(ctx, entity)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting staged %s: %v\n", entity, err)
				os.Exit(1)
			}
			fmt.Printf("%-14s %8d committed, %d staged\n", entity+":", committed, staged)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
