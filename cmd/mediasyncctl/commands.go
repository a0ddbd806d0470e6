package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
	"github.com/tendant/simple-media-sync/pkg/mediasync/imaging"
	"github.com/tendant/simple-media-sync/pkg/mediasync/progress"
)

type ownerFlags struct {
	ownerType string
	ownerID   string
	jobID     string
}

func (f *ownerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ownerType, "owner-type", "product", "owner type")
	cmd.Flags().StringVar(&f.ownerID, "owner-id", "", "owner id (UUID)")
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "job id (generated when empty)")
	_ = cmd.MarkFlagRequired("owner-id")
}

func (f *ownerFlags) parse() (uuid.UUID, error) {
	id, err := uuid.Parse(f.ownerID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid owner id %q: %w", f.ownerID, err)
	}
	return id, nil
}

// NewIntakeCommand uploads local files to temporary storage and runs intake on them
func NewIntakeCommand() *cobra.Command {
	var owner ownerFlags
	var actor string

	cmd := &cobra.Command{
		Use:   "intake <file>...",
		Short: "Import local image files for an owner",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := owner.parse()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			ctx, cancel := commandContext(cmd)
			defer cancel()

			batch := uuid.NewString()
			keys := make([]string, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				key := "tmp/" + batch + "/" + filepath.Base(path)
				if err := rt.TempStore.Write(ctx, key, bytes.NewReader(data), imaging.DetectMimeType(data)); err != nil {
					return fmt.Errorf("failed to stage %s: %w", path, err)
				}
				keys = append(keys, key)
			}

			result, err := rt.Service.RunIntake(ctx, mediasync.IntakeRequest{
				JobID:     owner.jobID,
				OwnerType: owner.ownerType,
				OwnerID:   ownerID,
				TempKeys:  keys,
				ActorID:   actor,
			})
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(result)
			}
			fmt.Printf("Job %s: %d uploaded, %d errors\n", result.JobID, result.Uploaded, len(result.Errors))
			for _, id := range result.AssetIDs {
				fmt.Printf("  asset %s\n", id)
			}
			printItemErrors(result.Errors)
			return nil
		},
	}

	owner.register(cmd)
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "actor recorded in the job summary")
	return cmd
}

// NewPushCommand sends an owner's assets to a shop
func NewPushCommand() *cobra.Command {
	var owner ownerFlags
	var assets []string

	cmd := &cobra.Command{
		Use:   "push <shop-id>",
		Short: "Upload an owner's images to a shop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := owner.parse()
			if err != nil {
				return err
			}
			req := mediasync.PushRequest{
				JobID:         owner.jobID,
				OwnerType:     owner.ownerType,
				OwnerID:       ownerID,
				DestinationID: mediasync.DestinationID(args[0]),
			}
			for _, s := range assets {
				id, err := uuid.Parse(s)
				if err != nil {
					return fmt.Errorf("invalid asset id %q: %w", s, err)
				}
				req.AssetIDs = append(req.AssetIDs, id)
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			ctx, cancel := commandContext(cmd)
			defer cancel()

			result, err := rt.Service.RunPush(ctx, req)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(result)
			}
			fmt.Printf("Job %s: %d uploaded, %d skipped, cover set: %t\n", result.JobID, result.Uploaded, result.Skipped, result.CoverSet)
			printItemErrors(result.Errors)
			return nil
		},
	}

	owner.register(cmd)
	cmd.Flags().StringSliceVar(&assets, "asset", nil, "push only these asset ids (repeatable)")
	return cmd
}

// NewPullCommand imports an owner's images from a shop
func NewPullCommand() *cobra.Command {
	var owner ownerFlags

	cmd := &cobra.Command{
		Use:   "pull <shop-id>",
		Short: "Download an owner's images from a shop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := owner.parse()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			ctx, cancel := commandContext(cmd)
			defer cancel()

			result, err := rt.Service.RunPull(ctx, mediasync.PullRequest{
				JobID:         owner.jobID,
				OwnerType:     owner.ownerType,
				OwnerID:       ownerID,
				DestinationID: mediasync.DestinationID(args[0]),
			})
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(result)
			}
			if result.ShopConflict {
				fmt.Printf("Job %s: images from other shops exist (%s); resolve the conflict before pulling\n",
					result.JobID, joinIDs(result.OtherShopIDs))
				return nil
			}
			fmt.Printf("Job %s: %d downloaded, %d skipped\n", result.JobID, result.Downloaded, result.Skipped)
			printItemErrors(result.Errors)
			return nil
		},
	}

	owner.register(cmd)
	return cmd
}

// NewVerifyCommand checks an asset's remote image against a shop
func NewVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <asset-id> <shop-id>",
		Short: "Check that an asset's image is still on a shop",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			assetID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid asset id %q: %w", args[0], err)
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			ctx, cancel := commandContext(cmd)
			defer cancel()

			result, err := rt.Service.VerifySync(ctx, assetID, mediasync.DestinationID(args[1]))
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(result)
			}
			fmt.Printf("Asset %s on %s: %s", result.AssetID, result.DestinationID, result.Status)
			if result.Error != "" {
				fmt.Printf(" (%s)", result.Error)
			}
			fmt.Println()
			return nil
		},
	}
}

// NewJobsCommand lists or shows progress records
func NewJobsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "Show job progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			ctx, cancel := commandContext(cmd)
			defer cancel()

			if len(args) == 1 {
				record, err := rt.Service.GetProgress(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(record)
			}

			records, err := rt.Service.ListJobs(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(records)
			}
			printRecords(records)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to list")
	return cmd
}

// NewConflictCommand shows or resolves an owner's shop conflict
func NewConflictCommand() *cobra.Command {
	var owner ownerFlags
	var resolve bool

	cmd := &cobra.Command{
		Use:   "conflict",
		Short: "Show or resolve an owner's shop conflict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := owner.parse()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			ctx, cancel := commandContext(cmd)
			defer cancel()

			var conflict *mediasync.Conflict
			if resolve {
				conflict, err = rt.Service.ResolveConflict(ctx, owner.ownerType, ownerID)
			} else {
				conflict, err = rt.Service.GetConflict(ctx, owner.ownerType, ownerID)
			}
			if err != nil {
				return err
			}
			return printJSON(conflict)
		},
	}

	owner.register(cmd)
	cmd.Flags().BoolVar(&resolve, "resolve", false, "mark the conflict resolved")
	return cmd
}

// NewDestinationsCommand lists configured shops
func NewDestinationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "destinations",
		Short: "List configured shops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			dests := rt.Service.Destinations()
			if asJSON(cmd) {
				return printJSON(dests)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID\tNAME\tACTIVE\n")
			for _, d := range dests {
				fmt.Fprintf(w, "%s\t%s\t%t\n", d.ID, d.Name, d.Active)
			}
			return w.Flush()
		},
	}
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printItemErrors(errs []mediasync.ItemError) {
	for _, e := range errs {
		fmt.Printf("  error %s: %s\n", e.Item, e.Error)
	}
}

func printRecords(records []*progress.Record) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "JOB\tTYPE\tSTATUS\tPROGRESS\tERRORS\tSTARTED\n")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			r.JobID, r.JobType, r.Status, r.Processed, r.Total, len(r.Errors),
			r.StartedAt.Local().Format(time.DateTime))
	}
	w.Flush()
}

func joinIDs(ids []mediasync.DestinationID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
