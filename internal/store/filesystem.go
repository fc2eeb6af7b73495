package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/fulcrologic/datomic-cloud-backup/internal/codec"
	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// segmentFilePattern matches "{db}.{start}-{end}.seg.zst".
var segmentFilePattern = regexp.MustCompile(`^(.+)\.(\d+)-(\d+)\.seg\.zst$`)

// FilesystemStore keeps one file per segment in a single directory.
type FilesystemStore struct {
	dir    string
	logger *zap.Logger
}

// NewFilesystemStore creates a store rooted at dir, creating it if needed.
// An unwriteable directory is a configuration error.
func NewFilesystemStore(dir string, logger *zap.Logger) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, dcberrors.Configuration("failed to create segment directory", err)
	}
	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return nil, dcberrors.Configuration("segment directory is not writeable", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &FilesystemStore{dir: dir, logger: logger}, nil
}

func (s *FilesystemStore) segmentPath(db string, startT, endT int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%d-%d%s", db, startT, endT, codec.FileExtension))
}

// Save implements SegmentStore. The write is atomic: the encoded segment is
// written to a temp file and renamed into place.
func (s *FilesystemStore) Save(ctx context.Context, db string, seg *model.Segment) error {
	data, err := codec.Encode(seg)
	if err != nil {
		return fmt.Errorf("failed to encode segment: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".segment-*")
	if err != nil {
		return fmt.Errorf("failed to create temp segment file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close segment file: %w", err)
	}

	final := s.segmentPath(db, seg.StartT, seg.EndT)
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish segment: %w", err)
	}

	s.logger.Debug("Saved segment",
		zap.String("db", db),
		zap.Int64("start_t", seg.StartT),
		zap.Int64("end_t", seg.EndT),
		zap.Int("bytes", len(data)))
	return nil
}

// List implements SegmentStore via a directory scan.
func (s *FilesystemStore) List(ctx context.Context, db string) ([]model.SegmentInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list segment directory: %w", err)
	}

	var infos []model.SegmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFilePattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != db {
			continue
		}
		start, err1 := strconv.ParseInt(m[2], 10, 64)
		end, err2 := strconv.ParseInt(m[3], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		infos = append(infos, model.SegmentInfo{StartT: start, EndT: end})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].StartT < infos[j].StartT })
	return infos, nil
}

// Last implements SegmentStore.
func (s *FilesystemStore) Last(ctx context.Context, db string) (*model.SegmentInfo, error) {
	infos, err := s.List(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}
	last := infos[len(infos)-1]
	return &last, nil
}

// Load implements SegmentStore.
func (s *FilesystemStore) Load(ctx context.Context, db string, startT int64) (*model.Segment, error) {
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
func (s *FilesystemStore) LoadRange(ctx context.Context, db string, startT, endT int64) (*model.Segment, error) {
	data, err := os.ReadFile(s.segmentPath(db, startT, endT))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dcberrors.SegmentNotFound(db, startT)
		}
		return nil, fmt.Errorf("failed to read segment: %w", err)
	}
	return codec.Decode(data)
}
