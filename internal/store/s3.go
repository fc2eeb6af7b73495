package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fulcrologic/datomic-cloud-backup/internal/codec"
	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

const (
	segmentObjectName = "transaction-group" + codec.FileExtension
	lastSegmentName   = "last-segment" + codec.FileExtension
)

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store persists segments as objects keyed by
// "{prefix}/{db}/{start}/{end}/transaction-group.seg.zst". A sidecar object
// "{prefix}/{db}/last-segment.seg.zst" holds the newest segment's info so
// Last avoids a full listing.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Store creates a store over an existing client.
func NewS3Store(client s3API, bucket, prefix string, logger *zap.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// NewS3StoreFromConfig creates a store using ambient AWS credential discovery.
// Missing credentials surface here, at construction time.
func NewS3StoreFromConfig(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, dcberrors.Configuration("failed to load AWS configuration", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix, logger), nil
}

func (s *S3Store) segmentKey(db string, startT, endT int64) string {
	return path.Join(s.prefix, db, strconv.FormatInt(startT, 10), strconv.FormatInt(endT, 10), segmentObjectName)
}

func (s *S3Store) lastKey(db string) string {
	return path.Join(s.prefix, db, lastSegmentName)
}

// Save implements SegmentStore. The segment object is written first, then the
// last-segment hint. A failed hint write is logged, not returned: Last keeps
// reporting the older segment named by the existing hint until a later Save
// rewrites it, and falls back to List only when the hint is absent or
// unreadable.
func (s *S3Store) Save(ctx context.Context, db string, seg *model.Segment) error {
	data, err := codec.Encode(seg)
	if err != nil {
		return fmt.Errorf("failed to encode segment: %w", err)
	}

	key := s.segmentKey(db, seg.StartT, seg.EndT)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return dcberrors.Transient("failed to put segment object", err).WithDetail("key", key)
	}

	hint, err := json.Marshal(seg.Info())
	if err != nil {
		return fmt.Errorf("failed to marshal last-segment hint: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.lastKey(db)),
		Body:   bytes.NewReader(hint),
	})
	if err != nil {
		s.logger.Warn("Failed to update last-segment hint",
			zap.String("db", db),
			zap.Error(err))
	}

	s.logger.Debug("Saved segment",
		zap.String("db", db),
		zap.String("key", key),
		zap.Int("bytes", len(data)))
	return nil
}

// List implements SegmentStore.
func (s *S3Store) List(ctx context.Context, db string) ([]model.SegmentInfo, error) {
	listPrefix := path.Join(s.prefix, db) + "/"
	var infos []model.SegmentInfo
	var token *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, dcberrors.Transient("failed to list segment objects", err)
		}

		for _, obj := range out.Contents {
			info, ok := parseSegmentKey(aws.ToString(obj.Key), listPrefix)
			if !ok {
				continue
			}
			infos = append(infos, info)
		}

		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].StartT < infos[j].StartT })
	return infos, nil
}

func parseSegmentKey(key, listPrefix string) (model.SegmentInfo, bool) {
	rest, ok := strings.CutPrefix(key, listPrefix)
	if !ok || !strings.HasSuffix(rest, "/"+segmentObjectName) {
		return model.SegmentInfo{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return model.SegmentInfo{}, false
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return model.SegmentInfo{}, false
	}
	return model.SegmentInfo{StartT: start, EndT: end}, true
}

// Last implements SegmentStore, preferring the sidecar hint.
func (s *S3Store) Last(ctx context.Context, db string) (*model.SegmentInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.lastKey(db)),
	})
	if err == nil {
		defer out.Body.Close()
		data, readErr := io.ReadAll(out.Body)
		if readErr == nil {
			var info model.SegmentInfo
			if json.Unmarshal(data, &info) == nil {
				return &info, nil
			}
		}
		s.logger.Warn("Unreadable last-segment hint, falling back to listing",
			zap.String("db", db))
	} else if !isNoSuchKey(err) {
		return nil, dcberrors.Transient("failed to read last-segment hint", err)
	}

	infos, err := s.List(ctx, db)
	if err != nil || len(infos) == 0 {
		return nil, err
	}
	last := infos[len(infos)-1]
	return &last, nil
}

// Load implements SegmentStore.
func (s *S3Store) Load(ctx context.Context, db string, startT int64) (*model.Segment, error) {
	infos, err := s.List(ctx, db)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.StartT == startT || (startT == 0 && info == infos[0]) {
			return s.LoadRange(ctx, db, info.StartT, info.EndT)
		}
	}
	return nil, dcberrors.SegmentNotFound(db, startT)
}

// LoadRange implements SegmentStore.
func (s *S3Store) LoadRange(ctx context.Context, db string, startT, endT int64) (*model.Segment, error) {
	key := s.segmentKey(db, startT, endT)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, dcberrors.SegmentNotFound(db, startT)
		}
		return nil, dcberrors.Transient("failed to get segment object", err).WithDetail("key", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, dcberrors.Transient("failed to read segment object", err)
	}
	return codec.Decode(data)
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
