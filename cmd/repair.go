// Package cmd provides command-line interface commands for argus.
package cmd

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"argus/config"
	"argus/core"
	"argus/storage"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
)

var (
	repairAll    bool
	repairDryRun bool
	noColor      bool
)

// NewRepairCmd builds the repair-index command tree. It rebuilds the
// discovery indexes (segment_index, hist_index, hist_month_index) from the
// bucket keys themselves, for stores whose index entries expired ahead of
// their buckets or were lost.
func NewRepairCmd() *cobra.Command {
	repairCmd := &cobra.Command{
		Use:   "repair-index",
		Short: "Rebuild bucket and segment discovery indexes from stored keys",
		Long: `Rebuild the per-device discovery indexes by scanning the stored bucket keys.

Bucket hashes and their index entries expire independently, so an index can
lose entries that still have live buckets behind them. This command scans
the keyspace and re-adds every surviving bucket to its index.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	repairCmd.PersistentFlags().BoolVar(&repairAll, "all", false, "Repair every known device")
	repairCmd.PersistentFlags().BoolVar(&repairDryRun, "dry-run", false, "Report what would be repaired without writing")
	repairCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	repairCmd.AddCommand(newRepairSegmentsCmd())
	repairCmd.AddCommand(newRepairHistoryCmd())

	return repairCmd
}

func openStore() (storage.Store, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Redis.Enabled {
		return nil, fmt.Errorf("repair requires a Redis backend (redis.enabled is false)")
	}
	logger := zap.NewNop().Sugar()
	rs := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.OpTimeout, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
	}
	return rs, nil
}

// targetDevices resolves the device list for a repair run: the positional
// args, or every member of the global devices set with --all.
func targetDevices(ctx context.Context, store storage.Store, args []string) ([]string, error) {
	if !repairAll {
		if len(args) == 0 {
			return nil, fmt.Errorf("pass device ids or --all")
		}
		return args, nil
	}
	members, err := store.ZRangeByScore(ctx, core.DevicesKey(), math.Inf(-1), math.Inf(1), false, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Member)
	}
	return ids, nil
}

func newRepairSegmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "segments [device-id...]",
		Short: "Rebuild segment_index sets and segment sorted sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			devices, err := targetDevices(ctx, store, args)
			if err != nil {
				return err
			}

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
			s.Suffix = " scanning segment keys..."
			s.Start()

			var repaired, skipped int
			for _, id := range devices {
				n, bad, err := repairSegments(ctx, store, id)
				if err != nil {
					s.Stop()
					errorColor.Printf("✗ %s: %v\n", id, err)
					return err
				}
				repaired += n
				skipped += bad
			}
			s.Stop()

			if repairDryRun {
				infoColor.Printf("dry run: %d segment entries would be restored (%d unparsable keys)\n", repaired, skipped)
			} else {
				successColor.Printf("✓ restored %d segment index entries across %d devices", repaired, len(devices))
				fmt.Println()
				if skipped > 0 {
					warningColor.Printf("  skipped %d unparsable keys\n", skipped)
				}
			}
			return nil
		},
	}
}

// repairSegments rescans one device's segment buckets, restoring the pair
// set and the per-segment sorted sets.
func repairSegments(ctx context.Context, store storage.Store, deviceID string) (restored, skipped int, err error) {
	prefix := "segment:" + deviceID + ":"
	keys, err := store.ScanKeys(ctx, prefix+"*")
	if err != nil {
		return 0, 0, err
	}

	pairs := make(map[string]struct{})
	for _, key := range keys {
		// segment:{id}:{category}:{subsection}:{granularity}:{label}
		parts := strings.Split(strings.TrimPrefix(key, prefix), ":")
		if len(parts) != 4 {
			skipped++
			continue
		}
		cat, sub := core.Category(parts[0]), parts[1]
		gran, label := core.Granularity(parts[2]), parts[3]

		var start int64
		var perr error
		switch gran {
		case core.GranularityHourly:
			start, perr = core.ParseHourLabel(label)
		case core.GranularityDaily:
			start, perr = core.ParseDayLabel(label)
		default:
			skipped++
			continue
		}
		if perr != nil {
			skipped++
			continue
		}

		pairs[core.SegmentPair(cat, sub)] = struct{}{}
		if !repairDryRun {
			if err := store.ZAdd(ctx, core.SegmentSetKey(deviceID, cat, sub, gran), key, float64(start)); err != nil {
				return restored, skipped, err
			}
		}
		restored++
	}

	if !repairDryRun && len(pairs) > 0 {
		members := make([]string, 0, len(pairs))
		for p := range pairs {
			members = append(members, p)
		}
		sort.Strings(members)
		if err := store.SAdd(ctx, core.SegmentIndexKey(deviceID), members...); err != nil {
			return restored, skipped, err
		}
	}
	return restored, skipped, nil
}

func newRepairHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [device-id...]",
		Short: "Rebuild hist_index and hist_month_index sorted sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			devices, err := targetDevices(ctx, store, args)
			if err != nil {
				return err
			}

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
			s.Suffix = " scanning bucket keys..."
			s.Start()

			var restored int
			for _, id := range devices {
				n, err := repairHistory(ctx, store, id)
				if err != nil {
					s.Stop()
					errorColor.Printf("✗ %s: %v\n", id, err)
					return err
				}
				restored += n
			}
			s.Stop()

			if repairDryRun {
				infoColor.Printf("dry run: %d bucket index entries would be restored\n", restored)
			} else {
				successColor.Printf("✓ restored %d bucket index entries across %d devices", restored, len(devices))
				fmt.Println()
			}
			return nil
		},
	}
}

// repairHistory rescans one device's hour and day buckets, restoring the
// two bucket indexes.
func repairHistory(ctx context.Context, store storage.Store, deviceID string) (int, error) {
	restored := 0

	rebuild := func(prefix, indexKey string, parse func(string) (int64, error)) error {
		keys, err := store.ScanKeys(ctx, prefix+"*")
		if err != nil {
			return err
		}
		for _, key := range keys {
			start, perr := parse(strings.TrimPrefix(key, prefix))
			if perr != nil {
				continue
			}
			if !repairDryRun {
				if err := store.ZAdd(ctx, indexKey, key, float64(start)); err != nil {
					return err
				}
			}
			restored++
		}
		return nil
	}

	if err := rebuild("hour:"+deviceID+":", core.HistIndexKey(deviceID), core.ParseHourLabel); err != nil {
		return restored, err
	}
	if err := rebuild("day:"+deviceID+":", core.HistMonthIndexKey(deviceID), core.ParseDayLabel); err != nil {
		return restored, err
	}
	return restored, nil
}
