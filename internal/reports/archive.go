// Package reports archives evaluation reports to object storage.
package reports

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/animus-labs/releasegate/internal/service/releases"
	store "github.com/animus-labs/releasegate/internal/storage/objectstore"
)

const (
	EnvelopeSchemaV1 = "releasegate.evaluation_report.v1"

	defaultPutTimeout = 15 * time.Second
)

var ErrIntegrity = errors.New("report integrity mismatch")

// Envelope is the stored object: the report plus the sha256 of its JSON
// encoding.
type Envelope struct {
	Schema string          `json:"schema"`
	SHA256 string          `json:"sha256"`
	Report json.RawMessage `json:"report"`
}

// Archiver implements releases.ReportSink.
type Archiver struct {
	bucket  string
	store   store.Store
	timeout time.Duration
}

func NewArchiver(objectStore store.Store, bucket string) (*Archiver, error) {
	if objectStore == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Archiver{bucket: bucket, store: objectStore, timeout: defaultPutTimeout}, nil
}

// ObjectKey returns where the report for one evaluation is stored.
func ObjectKey(report releases.EvaluationReport) string {
	return fmt.Sprintf("release-runs/%s/evaluations/%s.json",
		report.RunID, report.EvaluatedAt.UTC().Format("20060102T150405.000000000Z"))
}

func (a *Archiver) ArchiveEvaluation(ctx context.Context, report releases.EvaluationReport) error {
	if a == nil || a.store == nil {
		return errors.New("report archiver not initialized")
	}
	if strings.TrimSpace(report.RunID) == "" {
		return errors.New("run id is required")
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	sum := sha256.Sum256(reportJSON)
	body, err := json.Marshal(Envelope{
		Schema: EnvelopeSchemaV1,
		SHA256: hex.EncodeToString(sum[:]),
		Report: reportJSON,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	putCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	key := ObjectKey(report)
	if err := a.store.Put(putCtx, a.bucket, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Fetch loads an archived report and verifies its checksum.
func (a *Archiver) Fetch(ctx context.Context, key string) (releases.EvaluationReport, error) {
	if a == nil || a.store == nil {
		return releases.EvaluationReport{}, errors.New("report archiver not initialized")
	}
	reader, _, err := a.store.Get(ctx, a.bucket, key)
	if err != nil {
		return releases.EvaluationReport{}, err
	}
	defer reader.Close()

	blob, err := io.ReadAll(reader)
	if err != nil {
		return releases.EvaluationReport{}, fmt.Errorf("read %s: %w", key, err)
	}
	var env Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return releases.EvaluationReport{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Schema != EnvelopeSchemaV1 {
		return releases.EvaluationReport{}, fmt.Errorf("unsupported report schema %q", env.Schema)
	}
	sum := sha256.Sum256(env.Report)
	if hex.EncodeToString(sum[:]) != env.SHA256 {
		return releases.EvaluationReport{}, ErrIntegrity
	}
	var report releases.EvaluationReport
	if err := json.Unmarshal(env.Report, &report); err != nil {
		return releases.EvaluationReport{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}
