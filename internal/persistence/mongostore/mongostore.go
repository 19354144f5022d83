// Package mongostore is the MongoDB-backed implementation of the
// persistence.Store capability: one database per bulk scan name, a
// `bulkScans` collection for campaign metadata, and one result
// collection per run.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tlsfleet/crawlercore/internal/model"
)

const bulkScansCollection = "bulkScans"

// errRecursiveEncodingFailure marks the case where even the fallback
// record failed to encode: no further writes are attempted.
var errRecursiveEncodingFailure = errors.New("mongostore: recursive encoding failure")

// Store is the MongoDB adapter. One Store serves every bulk scan the
// process handles; "database per scan name" means the *mongo.Client
// connection is shared and databases are addressed by name per call.
type Store struct {
	client *mongo.Client
	log    zerolog.Logger

	mu               sync.Mutex
	indexedResultCol map[string]bool
}

// Connect dials MongoDB at uri and returns a ready Store.
func Connect(ctx context.Context, uri string, log zerolog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return &Store{
		client:           client,
		log:              log,
		indexedResultCol: make(map[string]bool),
	}, nil
}

// Close implements persistence.Store.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type bulkScanDoc struct {
	ID                       string                  `bson:"_id,omitempty"`
	Name                     string                  `bson:"name"`
	CollectionName           string                  `bson:"collectionName"`
	ScanConfig               model.ScanConfig        `bson:"scanConfig"`
	Monitored                bool                    `bson:"monitored"`
	Finished                 bool                    `bson:"finished"`
	StartTime                time.Time               `bson:"startTime"`
	EndTime                  *time.Time              `bson:"endTime,omitempty"`
	TargetsGiven             int                     `bson:"targetsGiven"`
	ScanJobsPublished        int                     `bson:"scanJobsPublished"`
	ScanJobsResolutionErrors int                     `bson:"scanJobsResolutionErrors"`
	ScanJobsDenylisted       int                     `bson:"scanJobsDenylisted"`
	SuccessfulScans          int                     `bson:"successfulScans"`
	JobStatusCounters        map[model.JobStatus]int `bson:"jobStatusCounters"`
	NotifyURL                string                  `bson:"notifyUrl,omitempty"`
	ScannerVersion           string                  `bson:"scannerVersion"`
	CrawlerVersion           string                  `bson:"crawlerVersion"`
}

// InsertBulkScan implements persistence.Store.
func (s *Store) InsertBulkScan(ctx context.Context, scan *model.BulkScan) error {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	doc := bulkScanDoc{
		ID:                scan.ID,
		Name:              scan.Name,
		CollectionName:    scan.CollectionName,
		ScanConfig:        scan.ScanConfig,
		Monitored:         scan.Monitored,
		Finished:          scan.Finished,
		StartTime:         scan.StartTime,
		EndTime:           scan.EndTime,
		TargetsGiven:      scan.TargetsGiven,
		ScanJobsPublished: scan.ScanJobsPublished,
		JobStatusCounters: scan.JobStatusCounters,
		NotifyURL:         scan.NotifyURL,
		ScannerVersion:    scan.ScannerVersion,
		CrawlerVersion:    scan.CrawlerVersion,
	}
	coll := s.client.Database(scan.Name).Collection(bulkScansCollection)
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongostore: insert bulk scan %s: %w", scan.Name, err)
	}
	return nil
}

// UpdateBulkScanPublishCounts implements persistence.Store.
func (s *Store) UpdateBulkScanPublishCounts(ctx context.Context, scanName, bulkScanID string, targetsGiven, published, resolutionErrors, denylisted int) error {
	coll := s.client.Database(scanName).Collection(bulkScansCollection)
	_, err := coll.UpdateByID(ctx, bulkScanID, bson.M{"$set": bson.M{
		"targetsGiven":             targetsGiven,
		"scanJobsPublished":        published,
		"scanJobsResolutionErrors": resolutionErrors,
		"scanJobsDenylisted":       denylisted,
	}})
	if err != nil {
		return fmt.Errorf("mongostore: update publish counts for %s: %w", bulkScanID, err)
	}
	return nil
}

// FinalizeBulkScan implements persistence.Store.
func (s *Store) FinalizeBulkScan(ctx context.Context, scanName, bulkScanID string, counters map[model.JobStatus]int, successfulScans int) error {
	now := time.Now().UTC()
	coll := s.client.Database(scanName).Collection(bulkScansCollection)
	_, err := coll.UpdateByID(ctx, bulkScanID, bson.M{"$set": bson.M{
		"finished":          true,
		"endTime":           now,
		"jobStatusCounters": counters,
		"successfulScans":   successfulScans,
	}})
	if err != nil {
		return fmt.Errorf("mongostore: finalize bulk scan %s: %w", bulkScanID, err)
	}
	return nil
}

// InsertScanResult implements persistence.Store. On an encoding failure
// it falls back to an error record with SERIALIZATION_ERROR and returns
// that as the persisted status; if that insert also fails to encode, it
// gives up, performs no further writes, and returns an error so the
// caller can mark the job INTERNAL_ERROR itself.
func (s *Store) InsertScanResult(ctx context.Context, result model.ScanResult, job model.ScanJobDescription) (model.JobStatus, error) {
	if result.JobStatus != job.Status {
		return "", fmt.Errorf("mongostore: result status %s does not match job status %s", result.JobStatus, job.Status)
	}
	if result.JobStatus == model.ToBeExecuted {
		return "", fmt.Errorf("mongostore: refusing to persist a result with status %s", model.ToBeExecuted)
	}

	coll := s.client.Database(job.DBName).Collection(job.CollectionName)
	if err := s.ensureIndexes(ctx, coll); err != nil {
		s.log.Warn().Err(err).Str("collection", job.CollectionName).Msg("mongostore: index creation failed, continuing")
	}

	_, err := coll.InsertOne(ctx, result)
	if err == nil {
		return result.JobStatus, nil
	}
	if !isEncodingError(err) {
		return "", fmt.Errorf("mongostore: insert scan result: %w", err)
	}

	serErrJob := job
	serErrJob.Status = model.SerializationError
	fallback, buildErr := model.FromException(serErrJob, err, 0)
	if buildErr != nil {
		return "", fmt.Errorf("mongostore: build serialization-error fallback: %w", buildErr)
	}

	if _, err2 := coll.InsertOne(ctx, fallback); err2 != nil {
		s.log.Error().Err(err2).Msg("mongostore: recursive encoding failure, giving up with INTERNAL_ERROR")
		return "", fmt.Errorf("%w: %v", errRecursiveEncodingFailure, err2)
	}
	return model.SerializationError, nil
}

func (s *Store) ensureIndexes(ctx context.Context, coll *mongo.Collection) error {
	key := coll.Database().Name() + "." + coll.Name()

	s.mu.Lock()
	if s.indexedResultCol[key] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "scanTarget.ip", Value: 1}}},
		{Keys: bson.D{{Key: "scanTarget.hostname", Value: 1}}},
		{Keys: bson.D{{Key: "scanTarget.trancoRank", Value: 1}}},
		{Keys: bson.D{{Key: "scanTarget.resultStatus", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
		return err
	}

	s.mu.Lock()
	s.indexedResultCol[key] = true
	s.mu.Unlock()
	return nil
}

// isEncodingError reports whether err originates from the BSON encoder
// rather than from the wire/transport layer. Mongo's driver surfaces
// encoder failures as mongo.MarshalError-wrapped errors from InsertOne.
func isEncodingError(err error) bool {
	var marshalErr mongo.MarshalError
	return errors.As(err, &marshalErr)
}
