package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb/geojson"
)

const (
	overlaySnapshotPrefix = "overlay-"
	overlayLatestName     = "latest.geojson"
	geoJSONContentType    = "application/geo+json"
)

// OverlayStore is the object storage an overlay is published to
type OverlayStore interface {
	Key(name string) string
	UploadBytes(ctx context.Context, s3Key string, data []byte, contentType string) (int64, error)
	HeadObject(ctx context.Context, s3Key string) (int64, bool, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, s3Key string) error
	GetPublicURL(s3Key string) string
}

// ExportReport is the result of publishing an overlay
type ExportReport struct {
	Features    int
	SizeBytes   int64
	SnapshotKey string
	LatestURL   string
	Verified    bool
	Pruned      []string
}

// ExportOverlay uploads the overlay as a timestamped snapshot and as
// latest.geojson, checks the upload, and keeps only the newest keep
// snapshots (keep < 0 disables pruning).
func ExportOverlay(ctx context.Context, store OverlayStore, fc *geojson.FeatureCollection, now time.Time, keep int) (*ExportReport, error) {
	data, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal overlay: %w", err)
	}

	snapshotKey := store.Key(fmt.Sprintf("%s%s.geojson", overlaySnapshotPrefix, now.UTC().Format("20060102T150405Z")))
	latestKey := store.Key(overlayLatestName)
	logger := slog.With("snapshot_key", snapshotKey, "features", len(fc.Features))

	report := &ExportReport{
		Features:    len(fc.Features),
		SnapshotKey: snapshotKey,
		LatestURL:   store.GetPublicURL(latestKey),
	}

	for _, key := range []string{snapshotKey, latestKey} {
		size, err := store.UploadBytes(ctx, key, data, geoJSONContentType)
		if err != nil {
			return nil, err
		}
		report.SizeBytes = size
	}

	size, exists, err := store.HeadObject(ctx, latestKey)
	if err != nil {
		return nil, err
	}
	report.Verified = exists && size == int64(len(data))
	if !report.Verified {
		logger.Warn("uploaded overlay does not match", "exists", exists, "remote_size", size, "local_size", len(data))
	}

	if keep >= 0 {
		keys, err := store.ListObjects(ctx, store.Key(overlaySnapshotPrefix))
		if err != nil {
			return nil, err
		}
		for _, key := range snapshotsToPrune(keys, keep) {
			if err := store.DeleteObject(ctx, key); err != nil {
				logger.Warn("failed to prune snapshot", "key", key, "error", err)
				continue
			}
			report.Pruned = append(report.Pruned, key)
		}
	}

	logger.Info("overlay exported", "size_bytes", report.SizeBytes, "verified", report.Verified, "pruned", len(report.Pruned))
	return report, nil
}
