package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// S3Store implements a vault store on Amazon S3 or a compatible service.
//
// Writes are conditional: Create sends If-None-Match: * and Save sends
// If-Match with the ETag of the object the version was checked against, so
// a write by another process in between fails with ErrConcurrencyConflict.
// The service must support conditional writes (AWS S3 and MinIO do).
type S3Store struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates a new S3 vault store. Static credentials are used when
// given, otherwise the default AWS credential chain applies.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", accessKey, bucketName, prefix, region)
	}
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

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

	return &S3Store{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

func (b *S3Store) Create(ctx context.Context, rec *interfaces.VaultRecord) error {
	if err := validateVaultID(rec.Vault.ID); err != nil {
		return err
	}
	err := b.put(ctx, rec, 1, map[string]string{"If-None-Match": "*"})
	if errors.Is(err, interfaces.ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %s", interfaces.ErrVaultExists, rec.Vault.ID)
	}
	if err != nil {
		return err
	}
	rec.Version = 1
	return nil
}

func (b *S3Store) Load(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	rec, _, err := b.get(ctx, vaultID)
	return rec, err
}

// get returns the record together with the ETag of the object it was read from.
func (b *S3Store) get(ctx context.Context, vaultID string) (*interfaces.VaultRecord, string, error) {
	start := time.Now()
	key := b.objectKey(vaultID)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, "", fmt.Errorf("%w: %s", interfaces.ErrVaultNotFound, vaultID)
		}
		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object body: %w", err)
	}

	b.log.Debug("Fetched vault record from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, "", err
	}
	return rec, aws.StringValue(result.ETag), nil
}

func (b *S3Store) Save(ctx context.Context, rec *interfaces.VaultRecord) error {
	stored, etag, err := b.get(ctx, rec.Vault.ID)
	if err != nil {
		return err
	}
	if stored.Version != rec.Version {
		return fmt.Errorf("%w: stored version %d, have %d", interfaces.ErrConcurrencyConflict, stored.Version, rec.Version)
	}
	if etag == "" {
		return fmt.Errorf("%w: object %s has no ETag, cannot write conditionally", interfaces.ErrBackendUnavailable, b.objectKey(rec.Vault.ID))
	}
	if err := b.put(ctx, rec, rec.Version+1, map[string]string{"If-Match": etag}); err != nil {
		return err
	}
	rec.Version++
	return nil
}

func (b *S3Store) List(ctx context.Context) ([]string, error) {
	prefix := b.objectKey("")
	var ids []string
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if strings.HasSuffix(name, ".json") && !strings.Contains(name, "/") {
				ids = append(ids, strings.TrimSuffix(name, ".json"))
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return ids, nil
}

// Available checks if the S3 backend is accessible by attempting to head the bucket.
func (b *S3Store) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 store unavailable",
			slog.String("bucket", b.bucketName),
			"err", err)
		return false
	}
	return true
}

func (b *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

func (b *S3Store) LocationURI() string {
	return b.locationURI
}

// put uploads the record under the given precondition headers. A failed
// precondition is reported as ErrConcurrencyConflict.
func (b *S3Store) put(ctx context.Context, rec *interfaces.VaultRecord, version int64, conditions map[string]string) error {
	data, err := encodeRecord(rec, version)
	if err != nil {
		return err
	}
	key := b.objectKey(rec.Vault.ID)
	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucketName),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	}, request.WithSetRequestHeaders(conditions))
	if err != nil {
		if isPreconditionFailure(err) {
			return fmt.Errorf("%w: object %s changed concurrently", interfaces.ErrConcurrencyConflict, key)
		}
		return fmt.Errorf("%w: failed to upload object to S3: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored vault record in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int64("version", version))
	return nil
}

// isPreconditionFailure matches 412 Precondition Failed and the 409 S3
// returns when a conditional write races another one.
func isPreconditionFailure(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch reqErr.StatusCode() {
		case http.StatusPreconditionFailed:
			return true
		case http.StatusConflict:
			return reqErr.Code() == "ConditionalRequestConflict"
		}
	}
	return false
}

func (b *S3Store) objectKey(vaultID string) string {
	name := "vaults/"
	if vaultID != "" {
		name += vaultID + ".json"
	}
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, "vaults") + "/" + strings.TrimPrefix(name, "vaults/")
}
