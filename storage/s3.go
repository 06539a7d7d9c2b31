package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/dialtide/credsync-backend/interfaces"
)

// S3Tier is an alternative remote durable tier on Amazon S3 or a
// compatible object store. Records are JSON objects under
// {prefix}/{tenant}/{owner}/{key}.json.
//
// S3 has no server-side compare-and-set; PutIfVersion is emulated with a
// read-verify-write sequence. Within a process the coordinator's per-key
// lock closes the gap; across processes prefer the Vault tier when
// concurrent writers are expected.
type S3Tier struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	opTimeout   time.Duration
	log         *slog.Logger
	locationURI string
}

// NewS3Tier creates an S3-backed remote tier. Static credentials are used
// when provided; otherwise the SDK's default chain applies.
func NewS3Tier(bucketName, prefix, region, endpoint, accessKey, secretKey string, opTimeout time.Duration, log *slog.Logger) (*S3Tier, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}

	return &S3Tier{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		opTimeout:   opTimeout,
		log:         log,
		locationURI: fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region),
	}, nil
}

func (t *S3Tier) objectKey(ref interfaces.RecordRef) string {
	return path.Join(t.prefix, ref.Path()) + ".json"
}

// Get returns the current record for ref, tombstones included.
func (t *S3Tier) Get(ctx context.Context, ref interfaces.RecordRef) (*interfaces.CredentialRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	key := t.objectKey(ref)
	result, err := t.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, interfaces.ErrRecordNotFound
		}
		t.log.Error("Failed to get object from S3",
			slog.String("bucket", t.bucketName),
			slog.String("key", key),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	var rec interfaces.CredentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("invalid record at %s: %w", ref, err)
	}
	return &rec, nil
}

// Put stores rec unconditionally, replacing any current value.
func (t *S3Tier) Put(ctx context.Context, rec *interfaces.CredentialRecord) error {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	key := t.objectKey(rec.Ref())
	_, err = t.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		t.log.Error("Failed to put object to S3",
			slog.String("bucket", t.bucketName),
			slog.String("key", key),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}

	t.log.Debug("Stored record in S3",
		slog.String("ref", rec.Ref().String()),
		slog.Uint64("version", rec.Version))
	return nil
}

// PutIfVersion emulates a conditional write with read-verify-write.
func (t *S3Tier) PutIfVersion(ctx context.Context, rec *interfaces.CredentialRecord, baseline uint64) error {
	current, err := t.Get(ctx, rec.Ref())
	switch {
	case err == nil:
		if current.Version != baseline {
			return fmt.Errorf("%w: baseline %d, stored %d", interfaces.ErrVersionConflict, baseline, current.Version)
		}
	case errors.Is(err, interfaces.ErrRecordNotFound):
		if baseline != 0 {
			return fmt.Errorf("%w: baseline %d but no stored record", interfaces.ErrVersionConflict, baseline)
		}
	default:
		return err
	}
	return t.Put(ctx, rec)
}

// List returns keys with a current non-tombstone record for the owner.
func (t *S3Tier) List(ctx context.Context, ownerID, tenantID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	prefix := path.Join(t.prefix, tenantID, ownerID) + "/"
	result, err := t.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucketName),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}

	var keys []string
	for _, obj := range result.Contents {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(obj.Key), prefix), ".json")
		if name == "" {
			continue
		}
		rec, err := t.Get(ctx, interfaces.RecordRef{OwnerID: ownerID, TenantID: tenantID, Key: name})
		if err != nil || rec.Deleted {
			continue
		}
		keys = append(keys, name)
	}
	return keys, nil
}

// Available checks bucket reachability with a HEAD request.
func (t *S3Tier) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	_, err := t.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(t.bucketName),
	})
	if err != nil {
		t.log.Debug("S3 bucket not reachable", slog.String("bucket", t.bucketName), "err", err)
		return false
	}
	return true
}

// Name returns the tier identifier for logs and failure reports.
func (t *S3Tier) Name() string {
	return "s3"
}

// Class returns interfaces.TierRemote.
func (t *S3Tier) Class() interfaces.TierClass {
	return interfaces.TierRemote
}

// LocationURI returns the URI identifying this tier.
func (t *S3Tier) LocationURI() string {
	return t.locationURI
}
