package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/example/faceswap/internal/blobstore"
	"github.com/example/faceswap/internal/logging"
)

var preloadExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// PreloadTargets stores every image file of dir as a target image, skipping
// filenames already present in the target collection. A missing directory is
// not an error. It returns the number of images added.
func (s *Service) PreloadTargets(ctx context.Context, dir string) (int, error) {
	opLogger := logging.WithOperation(s.logger, "ingest.preload_targets", "").With(zap.String("dir", dir))

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		opLogger.Info("target image directory not found, skipping preload")
		return 0, nil
	}
	if err != nil {
		return 0, logging.NewOperationError("ingest.preload_targets", dir, err)
	}

	existing := make(map[string]struct{})
	for meta, err := range s.blobs.List(ctx, blobstore.CollectionTarget) {
		if err != nil {
			return 0, logging.NewOperationError("ingest.preload_targets", dir, err)
		}
		existing[meta.Filename] = struct{}{}
	}

	added := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		mediaType, ok := preloadExtensions[strings.ToLower(filepath.Ext(name))]
		if !ok {
			continue
		}
		if _, ok := existing[name]; ok {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			opLogger.Warn("failed to read target image", zap.String("filename", name), zap.Error(err))
			continue
		}
		if len(data) == 0 {
			opLogger.Warn("skipping empty target image", zap.String("filename", name))
			continue
		}
		ref, err := s.blobs.Put(ctx, blobstore.CollectionTarget, data, mediaType, name)
		if err != nil {
			return added, logging.NewOperationError("ingest.preload_targets", name, err)
		}
		existing[name] = struct{}{}
		added++
		opLogger.Info("target image preloaded", zap.String("filename", name), zap.String("blob_id", ref.ID))
	}
	return added, nil
}
