// Package s3 keeps snapshots as objects in an S3 bucket, one object per
// snapshot name under a key prefix.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/golang-lru/simplelru"
)

// DigestMetadata is the object metadata key holding the snapshot name,
// which is also its content digest.
const DigestMetadata = "Snapshot-Digest"

const contentType = "application/json"

// S3Interface is the part of the S3 API snapshots need.
type S3Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
	ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
}

// Persist implements mirror.Persist over S3. Snapshot names are content
// digests, so an object never changes once written: names already stored
// or loaded are remembered and not uploaded again.
type Persist struct {
	s3         S3Interface
	BucketName string
	Prefix     string
	seen       *simplelru.LRU
}

// NewPersist returns a Persist keeping snapshots in bucketName under
// prefix.
func NewPersist(client S3Interface, bucketName, prefix string) *Persist {
	seen, err := simplelru.NewLRU(1000, nil)
	if err != nil {
		panic(err)
	}
	return &Persist{client, bucketName, prefix, seen}
}

func (p *Persist) key(name string) *string {
	return aws.String(p.Prefix + name)
}

// Load returns the encoded snapshot stored under name.
func (p *Persist) Load(ctx context.Context, name string) ([]byte, error) {
	output, err := p.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &p.BucketName,
		Key:    p.key(name),
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	defer output.Body.Close()
	if digest := metadata(output.Metadata, DigestMetadata); digest != "" && digest != name {
		return nil, fmt.Errorf("load snapshot %s: object holds snapshot %s", name, digest)
	}
	b, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	p.seen.Add(name, nil)
	return b, nil
}

// Store uploads an encoded snapshot, tagged with its name, unless this
// Persist has already stored or loaded that name.
func (p *Persist) Store(ctx context.Context, name string, b []byte) error {
	if p.seen.Contains(name) {
		return nil
	}
	_, err := p.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      &p.BucketName,
		Key:         p.key(name),
		Body:        bytes.NewReader(b),
		ContentType: aws.String(contentType),
		Metadata:    map[string]*string{DigestMetadata: aws.String(name)},
	})
	if err != nil {
		return fmt.Errorf("store snapshot %s: %w", name, err)
	}
	p.seen.Add(name, nil)
	return nil
}

// Names lists the snapshots under the prefix, sorted.
func (p *Persist) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := p.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: &p.BucketName,
		Prefix: aws.String(p.Prefix),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(o.Key), p.Prefix)
			if name != "" && !strings.Contains(name, "/") {
				names = append(names, name)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the snapshot stored under name.
func (p *Persist) Delete(ctx context.Context, name string) error {
	_, err := p.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: &p.BucketName,
		Key:    p.key(name),
	})
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", name, err)
	}
	p.seen.Remove(name)
	return nil
}

// metadata looks key up case-insensitively.
func metadata(m map[string]*string, key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return aws.StringValue(v)
		}
	}
	return ""
}
