package model

import (
	"fmt"
	"time"
)

// ScanConfig is opaque to the orchestration core: it carries
// scanner-specific parameters plus the few fields the core does care
// about (Timeout, Reexecutions, ScannerDetail, ScannerVersion).
//
// Anything beyond those is preserved in the free-form Extra map so
// scanner implementations outside this module can round-trip their own
// configuration through persistence without this package knowing about it.
type ScanConfig struct {
	Timeout       time.Duration  `bson:"timeout" json:"timeout"`
	Reexecutions  int            `bson:"reexecutions" json:"reexecutions"`
	ScannerDetail string         `bson:"scannerDetail" json:"scannerDetail"`

	// ScannerVersion identifies the scanner build, denormalized onto
	// every persisted result so a result document can be interpreted
	// without cross-referencing the bulk scan record.
	ScannerVersion string `bson:"scannerVersion,omitempty" json:"scannerVersion,omitempty"`

	Extra map[string]any `bson:"extra,omitempty" json:"extra,omitempty"`
}

// BulkScan is a single scan campaign. The Controller owns every mutation
// until the scan is registered with the Progress Monitor; from that point
// on the Progress Monitor is the sole writer, until finished=true seals it.
type BulkScan struct {
	ID             string `bson:"_id,omitempty" json:"id,omitempty"`
	Name           string `bson:"name" json:"name"`
	CollectionName string `bson:"collectionName" json:"collectionName"`

	ScanConfig ScanConfig `bson:"scanConfig" json:"scanConfig"`
	Monitored  bool       `bson:"monitored" json:"monitored"`
	Finished   bool       `bson:"finished" json:"finished"`

	StartTime time.Time  `bson:"startTime" json:"startTime"`
	EndTime   *time.Time `bson:"endTime,omitempty" json:"endTime,omitempty"`

	TargetsGiven             int `bson:"targetsGiven" json:"targetsGiven"`
	ScanJobsPublished        int `bson:"scanJobsPublished" json:"scanJobsPublished"`
	ScanJobsResolutionErrors int `bson:"scanJobsResolutionErrors" json:"scanJobsResolutionErrors"`
	ScanJobsDenylisted       int `bson:"scanJobsDenylisted" json:"scanJobsDenylisted"`
	SuccessfulScans          int `bson:"successfulScans" json:"successfulScans"`

	// JobStatusCounters excludes ToBeExecuted by construction; see
	// NewJobStatusCounters.
	JobStatusCounters map[JobStatus]int `bson:"jobStatusCounters" json:"jobStatusCounters"`

	NotifyURL string `bson:"notifyUrl,omitempty" json:"notifyUrl,omitempty"`

	ScannerVersion string `bson:"scannerVersion" json:"scannerVersion"`
	CrawlerVersion string `bson:"crawlerVersion" json:"crawlerVersion"`
}

// NewJobStatusCounters returns a map seeded with every terminal status at
// zero; TO_BE_EXECUTED is excluded by construction.
func NewJobStatusCounters() map[JobStatus]int {
	m := make(map[JobStatus]int, len(AllTerminalStatuses))
	for _, s := range AllTerminalStatuses {
		m[s] = 0
	}
	return m
}

// DeriveCollectionName computes "<name>_<yyyy-MM-dd_HH-mm>" from the scan
// name and its start time.
func DeriveCollectionName(name string, startTime time.Time) string {
	return fmt.Sprintf("%s_%s", name, startTime.UTC().Format("2006-01-02_15-04"))
}

// Info projects the immutable subset of the BulkScan distributed with every
// job message.
func (b *BulkScan) Info() BulkScanInfo {
	return BulkScanInfo{
		BulkScanID: b.ID,
		ScanConfig: b.ScanConfig,
		Monitored:  b.Monitored,
	}
}

// BulkScanInfo is the immutable projection of a BulkScan carried on every
// ScanJobDescription. It never changes for the lifetime of the bulk scan.
type BulkScanInfo struct {
	BulkScanID string     `bson:"bulkScanId" json:"bulkScanId"`
	ScanConfig ScanConfig `bson:"scanConfig" json:"scanConfig"`
	Monitored  bool       `bson:"monitored" json:"monitored"`
}

// ExpectedTotal is the larger of scanJobsPublished +
// scanJobsResolutionErrors + scanJobsDenylisted and targetsGiven, the
// quantity the Progress Monitor compares totalDone against to decide when
// to finalize.
func (b *BulkScan) ExpectedTotal() int {
	published := b.ScanJobsPublished + b.ScanJobsResolutionErrors + b.ScanJobsDenylisted
	if b.TargetsGiven > published {
		return b.TargetsGiven
	}
	return published
}
