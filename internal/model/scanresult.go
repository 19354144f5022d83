package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScanResult is the document persisted for a single completed job. For
// error statuses, Result carries an "exception" sub-document describing
// the failure.
type ScanResult struct {
	ID             string         `bson:"_id,omitempty" json:"id,omitempty"`
	BulkScanID     string         `bson:"bulkScanId" json:"bulkScanId"`
	ScanTarget     ScanTarget     `bson:"scanTarget" json:"scanTarget"`
	JobStatus      JobStatus      `bson:"jobStatus" json:"jobStatus"`
	Result         map[string]any `bson:"result,omitempty" json:"result,omitempty"`
	ScannerVersion string         `bson:"scannerVersion,omitempty" json:"scannerVersion,omitempty"`
	Duration       time.Duration  `bson:"durationNanos,omitempty" json:"durationNanos,omitempty"`
}

// NewSuccessResult builds a ScanResult for a non-empty scan document.
func NewSuccessResult(job ScanJobDescription, doc map[string]any, dur time.Duration) ScanResult {
	return newResult(job, Success, doc, dur)
}

// NewEmptyResult builds a ScanResult for a scan that completed with no
// document.
func NewEmptyResult(job ScanJobDescription, dur time.Duration) ScanResult {
	return newResult(job, Empty, map[string]any{}, dur)
}

// FromException builds an error ScanResult carrying an "exception"
// sub-document. job.Status must already be an error status — calling this
// with a non-error status is a programming error and fails fast.
func FromException(job ScanJobDescription, cause error, dur time.Duration) (ScanResult, error) {
	if !job.Status.IsError() {
		return ScanResult{}, fmt.Errorf("model: FromException requires an error status, got %s", job.Status)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	doc := map[string]any{
		"exception": map[string]any{
			"message": msg,
		},
	}
	return newResult(job, job.Status, doc, dur), nil
}

func newResult(job ScanJobDescription, status JobStatus, doc map[string]any, dur time.Duration) ScanResult {
	target := job.ScanTarget
	target.ResultStatus = status
	return ScanResult{
		ID:             uuid.NewString(),
		BulkScanID:     job.BulkScanInfo.BulkScanID,
		ScanTarget:     target,
		JobStatus:      status,
		Result:         doc,
		ScannerVersion: job.BulkScanInfo.ScanConfig.ScannerVersion,
		Duration:       dur,
	}
}
