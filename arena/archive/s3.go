// Package archive uploads transcripts of finished encounters to S3 compatible storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"arenaserver/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Archiver interface {
	Archive(ctx context.Context, enc *models.Encounter) error
}

// PutObjectAPI is the part of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Transcript struct {
	Encounter  *models.Encounter `json:"encounter"`
	Winner     string            `json:"winner,omitempty"`
	Draw       bool              `json:"draw"`
	ArchivedAt time.Time         `json:"archivedAt"`
}

type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	now    func() time.Time
}

func NewS3Archiver(client PutObjectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// NewFromConfig builds an archiver for AWS S3, or for R2 and other S3 compatible
// stores when an endpoint is set.
func NewFromConfig(ctx context.Context, cfg models.ArchiveConfig) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Archiver(client, cfg.Bucket, cfg.Prefix), nil
}

func (a *S3Archiver) Key(enc *models.Encounter) string {
	return fmt.Sprintf("%s/%s/%s.json", a.prefix, enc.Kind, enc.ID)
}

func (a *S3Archiver) Archive(ctx context.Context, enc *models.Encounter) error {
	t := Transcript{Encounter: enc, ArchivedAt: a.now().UTC()}
	if enc.Kind == models.KindBattle {
		t.Winner, t.Draw = enc.Leader()
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode transcript of %s: %w", enc.ID, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(enc)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload transcript of %s: %w", enc.ID, err)
	}
	return nil
}
