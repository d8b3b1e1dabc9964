package calibration

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/saturnino-fabrica-de-software/netra/internal/dataset"
	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/model"
	"github.com/saturnino-fabrica-de-software/netra/internal/nn"
)

// chunkSize bounds how many decoded pairs are held in memory at once.
const chunkSize = 256

// Distances embeds both sides of every pair in evaluation mode and returns
// the euclidean distances with their labels, in pair order.
func Distances(ctx context.Context, m *model.Model, pairs []domain.Pair, src dataset.ImageSource, workers int) ([]float64, []domain.Label, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	distances := make([]float64, len(pairs))
	labels := make([]domain.Label, len(pairs))

	for start := 0; start < len(pairs); start += chunkSize {
		end := min(start+chunkSize, len(pairs))
		loaded, err := dataset.LoadPairs(ctx, src, pairs[start:end], workers)
		if err != nil {
			return nil, nil, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, pt := range loaded {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				a, err := m.Embed(pt.A)
				if err != nil {
					return fmt.Errorf("pair %d: %w", start+i, err)
				}
				b, err := m.Embed(pt.B)
				if err != nil {
					return fmt.Errorf("pair %d: %w", start+i, err)
				}
				distances[start+i] = nn.EuclideanDistance(a, b)
				labels[start+i] = pt.Label
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
	}
	return distances, labels, nil
}
