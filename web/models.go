package web

import (
	"github.com/ShoshinNikita/assetcache/fetcher"
	"github.com/ShoshinNikita/assetcache/pkg/misc"
)

type (
	PrefetchRequest struct {
		Paths []string `json:"paths"`
		// Validate and Concurrency override the server defaults.
		Validate    *bool `json:"validate,omitempty"`
		Concurrency *int  `json:"concurrency,omitempty"`
	}

	PrefetchResponse struct {
		Paths    int    `json:"paths"`
		Duration string `json:"duration"`
	}
)

type (
	StatsResponse struct {
		Memory           TierStats `json:"memory"`
		Disk             TierStats `json:"disk"`
		CheckedRevisions int       `json:"checked_revisions"`
	}

	TierStats struct {
		Entries           int    `json:"entries"`
		Size              int64  `json:"size"`
		HumanReadableSize string `json:"human_readable_size"`
		Limit             int64  `json:"limit"`
	}
)

func newStatsResponse(stats fetcher.Stats) StatsResponse {
	return StatsResponse{
		Memory: TierStats{
			Entries:           stats.Memory.Entries,
			Size:              stats.Memory.Cost,
			HumanReadableSize: misc.FormatFileSize(stats.Memory.Cost),
			Limit:             stats.Memory.CostLimit,
		},
		Disk: TierStats{
			Entries:           stats.Disk.Entries,
			Size:              stats.Disk.Size,
			HumanReadableSize: misc.FormatFileSize(stats.Disk.Size),
			Limit:             stats.Disk.MaxSize,
		},
		CheckedRevisions: stats.CheckedRevision,
	}
}
