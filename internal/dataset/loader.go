package dataset

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/nn"
)

// ImageSource resolves an image reference to a model input tensor.
type ImageSource interface {
	Load(ctx context.Context, ref domain.ImageRef) (*nn.Tensor, error)
}

// Decoder is satisfied by *preprocess.Preprocessor.
type Decoder interface {
	File(path string) (*nn.Tensor, error)
}

// PairTensors is a pair with both images loaded.
type PairTensors struct {
	A, B  *nn.Tensor
	Label domain.Label
}

// ImageLoader reads images from disk. Concurrent requests for the same
// reference share one decode; nothing is kept once they return.
type ImageLoader struct {
	decoder Decoder
	workers int
	group   singleflight.Group
}

func NewImageLoader(decoder Decoder, workers int) *ImageLoader {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &ImageLoader{decoder: decoder, workers: workers}
}

func (l *ImageLoader) Load(ctx context.Context, ref domain.ImageRef) (*nn.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, _ := l.group.Do(string(ref), func() (any, error) {
		return l.decoder.File(string(ref))
	})
	if err != nil {
		return nil, err
	}
	return v.(*nn.Tensor), nil
}

// LoadPairs loads both sides of every pair with a bounded worker pool.
// Results are in input order.
func LoadPairs(ctx context.Context, src ImageSource, pairs []domain.Pair, workers int) ([]PairTensors, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]PairTensors, len(pairs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, p := range pairs {
		g.Go(func() error {
			a, err := src.Load(ctx, p.A)
			if err != nil {
				return fmt.Errorf("pair %d: %w", i, err)
			}
			b, err := src.Load(ctx, p.B)
			if err != nil {
				return fmt.Errorf("pair %d: %w", i, err)
			}
			out[i] = PairTensors{A: a, B: b, Label: p.Label}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *ImageLoader) LoadPairs(ctx context.Context, pairs []domain.Pair) ([]PairTensors, error) {
	return LoadPairs(ctx, l, pairs, l.workers)
}
