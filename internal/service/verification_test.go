package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/netra/internal/calibration"
	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/metrics"
	"github.com/saturnino-fabrica-de-software/netra/internal/model"
	"github.com/saturnino-fabrica-de-software/netra/internal/nn"
)

func testSpec() model.Spec {
	return model.Spec{
		Backbone:     model.BackboneLight,
		EmbeddingDim: 4,
		HiddenDim:    8,
		InputSize:    8,
	}
}

func newTestService(t *testing.T) *VerificationService {
	t.Helper()
	svc, err := New(model.Expect{Spec: testSpec()}, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return svc
}

// saveCheckpoint writes a freshly initialised model and returns its path
// and metadata.
func saveCheckpoint(t *testing.T, dir, name string, spec model.Spec, seed uint64) (string, model.Metadata) {
	t.Helper()
	m, err := model.New(spec, rand.New(rand.NewPCG(seed, seed+1)))
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	md, err := model.Save(path, m, model.Metadata{Margin: 1, Epoch: 3, Kind: model.KindBest})
	require.NoError(t, err)
	return path, md
}

func randomInput(seed uint64) *nn.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	x := nn.NewTensor(3, 8, 8)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	return x
}

func ptr(v float64) *float64 { return &v }

func TestNew(t *testing.T) {
	t.Run("invalid spec", func(t *testing.T) {
		spec := testSpec()
		spec.Backbone = "resnet"
		_, err := New(model.Expect{Spec: spec}, nil, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})

	t.Run("not ready until a checkpoint is installed", func(t *testing.T) {
		svc := newTestService(t)
		assert.False(t, svc.Ready())
		assert.Equal(t, Status{}, svc.Status())
	})
}

func TestCompare(t *testing.T) {
	t.Run("symmetric", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(9, 9))
		a := make(domain.Embedding, 16)
		b := make(domain.Embedding, 16)
		for i := range a {
			a[i], b[i] = rng.NormFloat64(), rng.NormFloat64()
		}
		ab, err := Compare(a, b)
		require.NoError(t, err)
		ba, err := Compare(b, a)
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
	})

	t.Run("distance from cosine", func(t *testing.T) {
		a := domain.Embedding{1, 0}
		b := domain.Embedding{0.95, math.Sqrt(1 - 0.95*0.95)}
		c, err := Compare(a, b)
		require.NoError(t, err)
		assert.InDelta(t, 0.95, c.CosineSimilarity, 1e-12)
		assert.InDelta(t, 0.3162, c.EuclideanDistance, 1e-4)
		assert.InDelta(t, 0.975, c.NormalizedSimilarity, 1e-12)
		assert.LessOrEqual(t, c.EuclideanDistance, 0.7)
	})

	t.Run("opposite vectors", func(t *testing.T) {
		c, err := Compare(domain.Embedding{0, 1}, domain.Embedding{0, -1})
		require.NoError(t, err)
		assert.Equal(t, -1.0, c.CosineSimilarity)
		assert.Equal(t, 2.0, c.EuclideanDistance)
		assert.Equal(t, 0.0, c.NormalizedSimilarity)
	})

	t.Run("invalid", func(t *testing.T) {
		cases := map[string]struct {
			a, b   domain.Embedding
			reason string
		}{
			"length mismatch": {domain.Embedding{1, 0}, domain.Embedding{1, 0, 0}, "embedding dimensions differ or are empty"},
			"empty":           {domain.Embedding{}, domain.Embedding{}, "embedding dimensions differ or are empty"},
			"zero vector":     {domain.Embedding{0, 0}, domain.Embedding{1, 0}, "embedding has a zero or non-finite norm"},
			"nan":             {domain.Embedding{math.NaN(), 1}, domain.Embedding{1, 0}, "embedding has a zero or non-finite norm"},
		}
		for name, c := range cases {
			_, err := Compare(c.a, c.b)
			require.ErrorIs(t, err, domain.ErrInvalidInput, name)

			var appErr *domain.AppError
			require.ErrorAs(t, err, &appErr, name)
			assert.Equal(t, c.reason, appErr.Details["reason"], name)
			assert.NotContains(t, appErr.Error(), "tensor", name)
		}
	})
}

func TestVerificationService_Verify(t *testing.T) {
	dir := t.TempDir()
	path, md := saveCheckpoint(t, dir, "best.ckpt", testSpec(), 1)

	t.Run("model not loaded", func(t *testing.T) {
		svc := newTestService(t)
		_, err := svc.Verify(context.Background(), randomInput(1), randomInput(2), ptr(0.5))
		assert.ErrorIs(t, err, domain.ErrModelNotLoaded)
	})

	svc := newTestService(t)
	_, err := svc.LoadCheckpoint(path)
	require.NoError(t, err)

	t.Run("threshold not calibrated", func(t *testing.T) {
		_, err := svc.Verify(context.Background(), randomInput(1), randomInput(2), nil)
		assert.ErrorIs(t, err, domain.ErrThresholdNotCalibrated)
	})

	t.Run("negative override", func(t *testing.T) {
		_, err := svc.Verify(context.Background(), randomInput(1), randomInput(2), ptr(-0.1))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("same image matches", func(t *testing.T) {
		x := randomInput(5)
		v, err := svc.Verify(context.Background(), x, x, ptr(0.01))
		require.NoError(t, err)
		assert.True(t, v.IsMatch)
		assert.InDelta(t, 0.0, v.Distance, 1e-6)
		assert.Equal(t, md.ID, v.CheckpointID)
		assert.Equal(t, 0.01, v.Threshold)
	})

	t.Run("blank image matches itself", func(t *testing.T) {
		// a freshly initialised model projects a blank image to zero
		x := nn.NewTensor(3, 8, 8)
		e, err := svc.Embed(context.Background(), x)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, nn.Norm(e), 1e-12)

		v, err := svc.Verify(context.Background(), x, x, ptr(1.0))
		require.NoError(t, err)
		assert.True(t, v.IsMatch)
		assert.InDelta(t, 0.0, v.Distance, 1e-6)
	})

	require.NoError(t, svc.SetThreshold(domain.Threshold{Value: 0, Metric: domain.MetricEuclidean, CheckpointID: md.ID}))

	t.Run("calibrated threshold applies", func(t *testing.T) {
		before := testutil.ToFloat64(metrics.VerificationsTotal.WithLabelValues("no_match"))
		v, err := svc.Verify(context.Background(), randomInput(1), randomInput(2), nil)
		require.NoError(t, err)
		assert.False(t, v.IsMatch)
		assert.Equal(t, 0.0, v.Threshold)
		assert.Greater(t, v.Distance, 0.0)
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.VerificationsTotal.WithLabelValues("no_match")))
	})

	t.Run("override wins", func(t *testing.T) {
		v, err := svc.Verify(context.Background(), randomInput(1), randomInput(2), ptr(2))
		require.NoError(t, err)
		assert.True(t, v.IsMatch)
		assert.Equal(t, 2.0, v.Threshold)
	})

	t.Run("symmetric", func(t *testing.T) {
		ab, err := svc.Verify(context.Background(), randomInput(1), randomInput(2), nil)
		require.NoError(t, err)
		ba, err := svc.Verify(context.Background(), randomInput(2), randomInput(1), nil)
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := svc.Verify(ctx, randomInput(1), randomInput(2), nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("wrong input shape", func(t *testing.T) {
		_, err := svc.Verify(context.Background(), nn.NewTensor(3, 4, 4), randomInput(2), nil)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestVerificationService_Embed(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Embed(context.Background(), randomInput(1))
	assert.ErrorIs(t, err, domain.ErrModelNotLoaded)

	path, _ := saveCheckpoint(t, t.TempDir(), "best.ckpt", testSpec(), 1)
	_, err = svc.LoadCheckpoint(path)
	require.NoError(t, err)

	e, err := svc.Embed(context.Background(), randomInput(1))
	require.NoError(t, err)
	assert.Len(t, e, 4)
	assert.InDelta(t, 1.0, nn.Norm(e), 1e-9)
}

func TestVerificationService_LoadCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path, md := saveCheckpoint(t, dir, "best.ckpt", testSpec(), 1)

	svc := newTestService(t)
	_, err := svc.LoadCheckpoint(path)
	require.NoError(t, err)
	require.NoError(t, svc.SetThreshold(domain.Threshold{Value: 0.8, Metric: domain.MetricEuclidean, CheckpointID: md.ID}))

	t.Run("mismatched embedding size keeps previous snapshot", func(t *testing.T) {
		spec := testSpec()
		spec.EmbeddingDim = 6
		other, _ := saveCheckpoint(t, dir, "wide.ckpt", spec, 2)

		before := testutil.ToFloat64(metrics.ModelReloadsTotal.WithLabelValues("mismatch"))
		_, err := svc.LoadCheckpoint(other)
		require.ErrorIs(t, err, domain.ErrCheckpointMismatch)
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.ModelReloadsTotal.WithLabelValues("mismatch")))

		st := svc.Status()
		assert.Equal(t, md.ID, st.CheckpointID)
		require.NotNil(t, st.Threshold)
		assert.Equal(t, 0.8, *st.Threshold)
	})

	t.Run("missing file keeps previous snapshot", func(t *testing.T) {
		_, err := svc.LoadCheckpoint(filepath.Join(dir, "absent.ckpt"))
		require.Error(t, err)
		assert.Equal(t, md.ID, svc.Status().CheckpointID)
	})

	t.Run("new checkpoint drops foreign threshold", func(t *testing.T) {
		next, nextMD := saveCheckpoint(t, dir, "next.ckpt", testSpec(), 3)
		_, err := svc.LoadCheckpoint(next)
		require.NoError(t, err)

		st := svc.Status()
		assert.Equal(t, nextMD.ID, st.CheckpointID)
		assert.Nil(t, st.Threshold)
		assert.True(t, math.IsNaN(testutil.ToFloat64(metrics.OperatingThreshold)))
	})
}

func TestVerificationService_Install(t *testing.T) {
	svc := newTestService(t)
	m, err := model.New(testSpec(), rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	md := model.Metadata{ID: "ckpt-a", Backbone: model.BackboneLight, EmbeddingDim: 4, HiddenDim: 8, InputSize: 8}

	require.NoError(t, svc.Install(m, md))
	require.NoError(t, svc.SetThreshold(domain.Threshold{Value: 0.5, Metric: domain.MetricEuclidean, CheckpointID: "ckpt-a"}))

	// same checkpoint again keeps its threshold
	require.NoError(t, svc.Install(m, md))
	require.NotNil(t, svc.Status().Threshold)

	bad := md
	bad.Backbone = model.BackboneHeavy
	assert.ErrorIs(t, svc.Install(m, bad), domain.ErrCheckpointMismatch)
	assert.ErrorIs(t, svc.Install(nil, md), domain.ErrInvalidInput)
}

func TestVerificationService_SetThreshold(t *testing.T) {
	svc := newTestService(t)
	th := domain.Threshold{Value: 0.5, Metric: domain.MetricEuclidean, CheckpointID: "ckpt-a"}
	assert.ErrorIs(t, svc.SetThreshold(th), domain.ErrModelNotLoaded)

	m, err := model.New(testSpec(), rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	require.NoError(t, svc.Install(m, model.Metadata{ID: "ckpt-b", Backbone: model.BackboneLight, EmbeddingDim: 4, HiddenDim: 8, InputSize: 8}))

	tests := []struct {
		name string
		th   domain.Threshold
		want error
	}{
		{name: "other checkpoint", th: th, want: domain.ErrThresholdMismatch},
		{name: "negative", th: domain.Threshold{Value: -1, CheckpointID: "ckpt-b"}, want: domain.ErrInvalidInput},
		{name: "nan", th: domain.Threshold{Value: math.NaN(), CheckpointID: "ckpt-b"}, want: domain.ErrInvalidInput},
		{name: "cosine metric", th: domain.Threshold{Value: 0.5, Metric: "cosine", CheckpointID: "ckpt-b"}, want: domain.ErrInvalidInput},
		{name: "ok", th: domain.Threshold{Value: 0.5, Metric: domain.MetricEuclidean, CheckpointID: "ckpt-b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.SetThreshold(tt.th)
			if tt.want == nil {
				require.NoError(t, err)
				assert.Equal(t, 0.5, testutil.ToFloat64(metrics.OperatingThreshold))
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerificationService_Reload(t *testing.T) {
	dir := t.TempDir()
	path, md := saveCheckpoint(t, dir, "best.ckpt", testSpec(), 1)
	thPath := filepath.Join(dir, "threshold.json")

	svc := newTestService(t)

	st, err := svc.Reload(path, thPath)
	require.NoError(t, err)
	assert.True(t, st.Loaded)
	assert.Nil(t, st.Threshold)

	require.NoError(t, calibration.SaveThreshold(thPath, domain.Threshold{Value: 0.9, Metric: domain.MetricEuclidean, CheckpointID: md.ID}))
	st, err = svc.Reload(path, thPath)
	require.NoError(t, err)
	require.NotNil(t, st.Threshold)
	assert.Equal(t, 0.9, *st.Threshold)

	_, err = svc.Reload(filepath.Join(dir, "absent.ckpt"), thPath)
	assert.Error(t, err)
}

func TestVerificationService_Decode(t *testing.T) {
	svc := newTestService(t)

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	x, err := svc.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, nn.Shape{C: 3, H: 8, W: 8}, x.Shape)

	_, err = svc.Decode([]byte("not an image"))
	assert.ErrorIs(t, err, domain.ErrInvalidImage)
}

func TestVerificationService_ConcurrentReload(t *testing.T) {
	dir := t.TempDir()
	a, _ := saveCheckpoint(t, dir, "a.ckpt", testSpec(), 1)
	b, _ := saveCheckpoint(t, dir, "b.ckpt", testSpec(), 2)

	svc := newTestService(t)
	_, err := svc.LoadCheckpoint(a)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_, err := svc.Verify(context.Background(), randomInput(uint64(i)), randomInput(99), ptr(1))
				assert.NoError(t, err)
			}
		}()
	}
	for range 5 {
		_, err := svc.LoadCheckpoint(b)
		require.NoError(t, err)
		_, err = svc.LoadCheckpoint(a)
		require.NoError(t, err)
	}
	wg.Wait()
}
