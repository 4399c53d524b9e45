package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ossyrian/rifxsave/internal/archive"
	"github.com/ossyrian/rifxsave/internal/catalog"
	"github.com/ossyrian/rifxsave/internal/config"
	"github.com/ossyrian/rifxsave/internal/edits"
	"github.com/ossyrian/rifxsave/internal/layout"
	"github.com/ossyrian/rifxsave/internal/parser"
	"github.com/ossyrian/rifxsave/internal/savefile"
	"github.com/ossyrian/rifxsave/internal/serializer"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the directory of an archive",
		Args:  cobra.ExactArgs(1),
		RunE:  inspect,
	}
	cmd.Flags().Bool("json", false, "print the catalog as JSON")
	cmd.Flags().Bool("saved", false, "treat the argument as a save entry name")
	viper.BindPFlag("json", cmd.Flags().Lookup("json"))
	return cmd
}

func newRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Apply edits to an archive and save the result",
		RunE:  rebuild,
	}
	cmd.Flags().StringP("input", "i", "", "path to the archive to rebuild (required)")
	cmd.Flags().StringP("output", "o", "", "name of the save entry to write")
	cmd.Flags().String("edits", "", "TOML edit script to apply before saving")
	cmd.Flags().Bool("full", false, "re-encode every decoded resource, not only edited ones")
	cmd.Flags().Bool("compress", false, "store the save entry zstd-compressed")
	cmd.Flags().Bool("dry-run", false, "plan the layout without writing anything")

	viper.BindPFlag("input", cmd.Flags().Lookup("input"))
	viper.BindPFlag("output", cmd.Flags().Lookup("output"))
	viper.BindPFlag("edits", cmd.Flags().Lookup("edits"))
	viper.BindPFlag("full_rebuild", cmd.Flags().Lookup("full"))
	viper.BindPFlag("compress", cmd.Flags().Lookup("compress"))
	viper.BindPFlag("dry_run", cmd.Flags().Lookup("dry-run"))
	return cmd
}

func newSavesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saves",
		Short: "Manage save entries",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list [pattern]",
			Short: "List save entries",
			Args:  cobra.MaximumNArgs(1),
			RunE:  listSaves,
		},
		&cobra.Command{
			Use:   "rm <name>",
			Short: "Remove a save entry",
			Args:  cobra.ExactArgs(1),
			RunE:  removeSave,
		},
	)
	return cmd
}

// archiveSource is an opened archive plus its length.
type archiveSource interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

type osSource struct {
	*os.File
	size int64
}

func (s osSource) Size() int64 { return s.size }

func openArchive(path string) (archiveSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	return osSource{File: f, size: info.Size()}, nil
}

func inspect(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	var src archiveSource
	if saved, _ := cmd.Flags().GetBool("saved"); saved {
		src, err = savefile.NewManager(afero.NewOsFs(), cfg.SaveDir, logger).OpenForLoading(args[0])
	} else {
		src, err = openArchive(args[0])
	}
	if err != nil {
		return err
	}
	defer src.Close()

	cat, err := parser.Load(src, src.Size(), logger)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	if cfg.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summarize(cat, src.Size()))
	}

	fmt.Fprintf(out, "%s %s, %s, %d resources (map capacity %d), %d key entries\n",
		cat.MetaTag, cat.FormatTag, humanize.IBytes(uint64(src.Size())),
		cat.Len(), cat.MapCapacity, cat.Keys().Len())
	fmt.Fprintln(out, resourceTable(cat))
	return nil
}

func rebuild(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateRebuild(); err != nil {
		return err
	}

	src, err := openArchive(cfg.InputFile)
	if err != nil {
		return err
	}
	defer src.Close()

	cat, err := parser.Load(src, src.Size(), logger)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", cfg.InputFile, err)
	}

	var changes []archive.Change
	if cfg.EditsFile != "" {
		osFs := afero.NewOsFs()
		script, err := edits.Load(osFs, cfg.EditsFile)
		if err != nil {
			return err
		}
		if changes, err = script.Apply(cat, osFs, logger); err != nil {
			return err
		}
	}

	req := archive.SaveRequest{Name: cfg.SaveName, Changes: changes, Full: cfg.FullRebuild}
	out := cmd.OutOrStdout()

	if cfg.DryRun {
		res, err := archive.NewWriter(nil, serializer.NewRegistry(), logger).Plan(cat, src, req)
		if err != nil {
			return fmt.Errorf("failed to plan rebuild: %w", err)
		}
		fmt.Fprintln(out, planTable(res.Plan))
		fmt.Fprintf(out, "dry run: would write %s\n", humanize.IBytes(uint64(res.Plan.FileSize())))
		return nil
	}

	return save(cmd.Context(), cfg, logger, cat, src, req, out)
}

func save(ctx context.Context, cfg *config.Config, logger *slog.Logger, cat *catalog.Catalog, src io.ReaderAt, req archive.SaveRequest, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := savefile.NewOSManager(cfg.SaveDir, logger)
	if err != nil {
		return err
	}

	res, err := archive.NewWriter(store, serializer.NewRegistry(), logger).Save(ctx, cat, src, req)
	if err != nil {
		return fmt.Errorf("save %s failed in state %s: %w", res.WriteID, res.State, err)
	}
	if cfg.Compress {
		if err := store.Compress(req.Name); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "saved %s (%s, %d changes) to %s\n",
		req.Name, humanize.IBytes(uint64(res.Written)), len(req.Changes), store.Dir())
	return nil
}

func listSaves(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	store := savefile.NewManager(afero.NewOsFs(), cfg.SaveDir, logger)

	pattern := ""
	if len(args) == 1 {
		pattern = args[0]
	}
	names, err := store.ListSavefiles(pattern)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		size := "?"
		if src, err := store.OpenForLoading(name); err == nil {
			size = humanize.IBytes(uint64(src.Size()))
			src.Close()
		}
		rows = append(rows, []string{name, size})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Name", "Size"}, rows, []columnAlignment{alignLeft, alignRight}))
	return nil
}

func removeSave(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	return savefile.NewManager(afero.NewOsFs(), cfg.SaveDir, logger).RemoveSavefile(args[0])
}

// catalogSummary is the JSON form of a loaded catalog.
type catalogSummary struct {
	Meta        string            `json:"meta"`
	Format      string            `json:"format"`
	FileSize    int64             `json:"file_size"`
	MapCapacity int               `json:"map_capacity"`
	Resources   []resourceSummary `json:"resources"`
}

type resourceSummary struct {
	Index    int32         `json:"index"`
	Tag      string        `json:"tag"`
	Kind     string        `json:"kind"`
	Offset   uint32        `json:"offset"`
	Size     uint32        `json:"size"`
	Library  int32         `json:"library,omitempty"`
	CastID   int32         `json:"cast_id,omitempty"`
	Children []catalog.Ref `json:"children,omitempty"`
}

func summarize(cat *catalog.Catalog, size int64) catalogSummary {
	return catalogSummary{
		Meta:        cat.MetaTag.String(),
		Format:      cat.FormatTag.String(),
		FileSize:    size,
		MapCapacity: cat.MapCapacity,
		Resources: lo.Map(cat.Resources(), func(r *catalog.Resource, _ int) resourceSummary {
			return resourceSummary{
				Index:    r.Index,
				Tag:      r.Tag.String(),
				Kind:     r.Kind.String(),
				Offset:   r.Offset,
				Size:     r.Size,
				Library:  r.LibResourceID,
				CastID:   max(r.CastID, 0),
				Children: r.Children,
			}
		}),
	}
}

func resourceTable(cat *catalog.Catalog) string {
	rows := lo.Map(cat.Resources(), func(r *catalog.Resource, _ int) []string {
		cast := ""
		if r.CastID >= 0 {
			cast = strconv.Itoa(int(r.CastID))
		}
		children := lo.Map(r.Children, func(ref catalog.Ref, _ int) string { return ref.String() })
		return []string{
			strconv.Itoa(int(r.Index)),
			r.Tag.String(),
			r.Kind.String(),
			strconv.FormatUint(uint64(r.Offset), 10),
			humanize.IBytes(uint64(r.Size)),
			cast,
			strings.Join(children, " "),
		}
	})
	return renderTable(
		[]string{"#", "Tag", "Kind", "Offset", "Size", "Cast", "Children"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}

func planTable(plan *layout.Plan) string {
	rows := lo.Map(plan.Placements, func(pl layout.Placement, _ int) []string {
		return []string{
			strconv.Itoa(int(pl.Index)),
			pl.Tag.String(),
			pl.Kind.String(),
			strconv.FormatUint(uint64(pl.Offset), 10),
			humanize.IBytes(uint64(pl.Size)),
		}
	})
	return renderTable(
		[]string{"#", "Tag", "Kind", "Offset", "Size"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight},
	)
}
