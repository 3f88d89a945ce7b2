// Package archive writes closed-out decisions to S3 so the operational
// tables can stay lean while the full record remains queryable.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hypeon/decision-engine/internal/engine"
)

// ObjectStore is the slice of the S3 API the archiver needs.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Archiver stores decision records as JSON objects under a key prefix.
type Archiver struct {
	client ObjectStore
	bucket string
	prefix string
}

// New builds an archiver against AWS using the default credential chain.
func New(ctx context.Context, bucket, region, prefix string) (*Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewWithClient builds an archiver over an existing S3 client.
func NewWithClient(client ObjectStore, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: prefix}
}

// archivedDecision is the object layout written to S3. The insight is
// embedded so the archive is self-contained once rows are pruned.
type archivedDecision struct {
	Decision   engine.DecisionHistory `json:"decision"`
	Insight    *engine.Insight        `json:"insight,omitempty"`
	ArchivedAt time.Time              `json:"archived_at"`
}

// ArchiveDecision uploads a decision and returns the object key to stamp
// on the row. Keys shard by applied month so lifecycle policies can
// expire old cohorts wholesale.
func (a *Archiver) ArchiveDecision(ctx context.Context, d engine.DecisionHistory, in *engine.Insight) (string, error) {
	stamp := d.CreatedAt
	if d.AppliedAt != nil {
		stamp = *d.AppliedAt
	}
	key := fmt.Sprintf("%sdecisions/%s/%s.json", a.keyPrefix(), stamp.UTC().Format("2006/01"), d.HistoryID)

	body, err := json.MarshalIndent(archivedDecision{
		Decision:   d,
		Insight:    in,
		ArchivedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling decision %s: %w", d.HistoryID, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading decision %s: %w", d.HistoryID, err)
	}
	return key, nil
}

// FetchDecision reads an archived decision back by its object key.
func (a *Archiver) FetchDecision(ctx context.Context, key string) (engine.DecisionHistory, *engine.Insight, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return engine.DecisionHistory{}, nil, fmt.Errorf("reading archive object %s: %w", key, err)
	}
	defer out.Body.Close()

	var rec archivedDecision
	if err := json.NewDecoder(out.Body).Decode(&rec); err != nil {
		return engine.DecisionHistory{}, nil, fmt.Errorf("decoding archive object %s: %w", key, err)
	}
	return rec.Decision, rec.Insight, nil
}

func (a *Archiver) keyPrefix() string {
	if a.prefix == "" {
		return ""
	}
	if a.prefix[len(a.prefix)-1] == '/' {
		return a.prefix
	}
	return a.prefix + "/"
}
