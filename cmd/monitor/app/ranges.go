package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roman-kulish/spectrum-monitor/internal/detect"
	"github.com/roman-kulish/spectrum-monitor/internal/storage"
)

// createRegistry registers the configured ranges.
func createRegistry(ctx context.Context, ranges []RangeConfig, store storage.Store, logger *slog.Logger) (*detect.Registry, error) {
	registry := detect.NewRegistry()
	if err := reconcileRanges(ctx, registry, nil, ranges, store, logger); err != nil {
		return nil, err
	}
	return registry, nil
}

// reconcileRanges applies a new range list to the registry, position by
// position: new positions are added, changed ones edited, which resets
// their detection state, and surplus ones removed. A range without a
// configured threshold starts from the last calibrated one, if any.
func reconcileRanges(ctx context.Context, registry *detect.Registry, prev, next []RangeConfig, store storage.Store, logger *slog.Logger) error {
	current := registry.Snapshot()

	for i, rc := range next {
		if i < len(current) && i < len(prev) && sameRange(prev[i], rc) {
			continue
		}

		threshold, err := initialThreshold(ctx, rc, store)
		if err != nil {
			return err
		}

		if i < len(current) {
			sr, err := registry.Edit(current[i].ID, uint64(rc.Start), uint64(rc.Stop), threshold)
			if err != nil {
				return fmt.Errorf("editing range %d: %w", current[i].ID, err)
			}
			logger.Info("range changed", slog.Int("id", sr.ID), slog.String("range", sr.String()))
			continue
		}

		sr, err := registry.Add(uint64(rc.Start), uint64(rc.Stop), threshold)
		if err != nil {
			return fmt.Errorf("adding range %s - %s: %w", rc.Start, rc.Stop, err)
		}
		logger.Info("range added", slog.Int("id", sr.ID), slog.String("range", sr.String()))
	}

	for i := len(next); i < len(current); i++ {
		if err := registry.Remove(current[i].ID); err != nil {
			return fmt.Errorf("removing range %d: %w", current[i].ID, err)
		}
		logger.Info("range removed", slog.Int("id", current[i].ID), slog.String("range", current[i].String()))
	}

	return nil
}

func initialThreshold(ctx context.Context, rc RangeConfig, store storage.Store) (*float64, error) {
	if rc.Threshold != nil {
		return rc.Threshold, nil
	}

	threshold, err := store.LatestThreshold(ctx, uint64(rc.Start), uint64(rc.Stop))
	if err != nil {
		return nil, fmt.Errorf("loading threshold: %w", err)
	}
	return threshold, nil
}

func sameRange(a, b RangeConfig) bool {
	if a.Start != b.Start || a.Stop != b.Stop {
		return false
	}
	if a.Threshold == nil || b.Threshold == nil {
		return a.Threshold == b.Threshold
	}
	return *a.Threshold == *b.Threshold
}
