// Package dataset reads folder-per-identity face corpora and draws the
// labelled image pairs used for contrastive training and validation.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
}

// ScanDir lists root/<identity>/<image> as identities. Hidden entries are
// ignored, and identities and images come back sorted so that a seeded
// sampler sees the same corpus on every run. Identities with no images are
// dropped.
func ScanDir(root string) ([]domain.Identity, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", root, err)
	}

	var ids []domain.Identity
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read identity %s: %w", entry.Name(), err)
		}

		id := domain.Identity{Key: entry.Name()}
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			if imageExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
				id.Images = append(id.Images, domain.ImageRef(filepath.Join(dir, f.Name())))
			}
		}
		if len(id.Images) == 0 {
			continue
		}
		slices.Sort(id.Images)
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil, domain.ErrDatasetTooSmall.WithDetails(map[string]any{
			"path":   root,
			"reason": "no identity folder contains images",
		})
	}
	slices.SortFunc(ids, func(a, b domain.Identity) int { return strings.Compare(a.Key, b.Key) })
	return ids, nil
}

// CountImages returns the total number of images across ids.
func CountImages(ids []domain.Identity) int {
	n := 0
	for _, id := range ids {
		n += len(id.Images)
	}
	return n
}
