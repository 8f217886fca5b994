package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/logger"
	"github.com/timmy/xbutler/internal/prompts"
	"github.com/timmy/xbutler/internal/repository"
	"github.com/timmy/xbutler/internal/service"
	"github.com/timmy/xbutler/internal/source/localdir"
)

var flagDirLimit int

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the resource types and keyword categories if absent",
	Args:  cobra.NoArgs,
	RunE:  runSeed,
}

var fileCmd = &cobra.Command{
	Use:   "file <path>...",
	Short: "Ingest individual files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFile,
}

var dirCmd = &cobra.Command{
	Use:   "dir <path>",
	Short: "Ingest every media file under a directory (or its manifest.jsonl)",
	Args:  cobra.ExactArgs(1),
	RunE:  runDir,
}

func init() {
	dirCmd.Flags().IntVar(&flagDirLimit, "limit", 1000, "Maximum number of items to ingest")
	rootCmd.AddCommand(seedCmd, fileCmd, dirCmd)
}

// runSeed only needs the metadata store, so it does not dial the vector index or the models.
func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	set, err := prompts.Default()
	if cfg.VLM.PromptsPath != "" {
		set, err = prompts.Load(cfg.VLM.PromptsPath)
	}
	if err != nil {
		return fmt.Errorf("cannot load prompts: %w", err)
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repository.SeedVocabulary(cmd.Context(), db, set.Categories()); err != nil {
		return err
	}

	cats, err := repository.NewKeywordRepository(db).ListCategories(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY")
	for _, c := range cats {
		fmt.Fprintf(tw, "%d\t%s\n", c.ID, c.Name)
	}
	return tw.Flush()
}

func runFile(cmd *cobra.Command, args []string) error {
	pipeline, err := openPipeline(cmd.Context())
	if err != nil {
		return err
	}
	defer pipeline.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tRESULT\tRESOURCE\tKEYWORDS")
	failed := 0
	for _, path := range args {
		res, err := ingestFile(cmd, pipeline.Ingest, path)
		switch {
		case err != nil:
			failed++
			fmt.Fprintf(tw, "%s\tfailed: %v\t-\t-\n", path, err)
		case res.Duplicate:
			fmt.Fprintf(tw, "%s\tduplicate (%.3f)\t%d\t%v\n", path, res.Similarity, res.ResourceID, res.KeywordIDs)
		default:
			fmt.Fprintf(tw, "%s\tcreated\t%d\t%v\n", path, res.ResourceID, res.KeywordIDs)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed", failed, len(args))
	}
	return nil
}

func ingestFile(cmd *cobra.Command, ingest *service.IngestService, path string) (*service.IngestResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	res, _, err := ingest.IngestNow(cmd.Context(), &service.Upload{
		Filename:    name,
		ContentType: domain.ContentTypeForFile(name),
		Data:        data,
	})
	return res, err
}

func runDir(cmd *cobra.Command, args []string) error {
	pipeline, err := openPipeline(cmd.Context())
	if err != nil {
		return err
	}
	defer pipeline.Close()

	src := localdir.NewAdapter(args[0])
	if total, err := src.GetTotalCount(); err == nil {
		logger.GetDefault().WithFields(logger.Fields{
			"source":          src.GetSourceID(),
			logger.FieldCount: total,
		}).Info("Scanned source directory")
	}

	stats, err := pipeline.Ingest.IngestFromSource(cmd.Context(), src, flagDirLimit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "total\t%d\n", stats.TotalItems)
	fmt.Fprintf(tw, "created\t%d\n", stats.CreatedItems)
	fmt.Fprintf(tw, "duplicate\t%d\n", stats.DuplicateItems)
	fmt.Fprintf(tw, "failed\t%d\n", stats.FailedItems)
	fmt.Fprintf(tw, "duration\t%s\n", stats.EndTime.Sub(stats.StartTime).Round(time.Millisecond))
	return tw.Flush()
}
