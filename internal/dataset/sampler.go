package dataset

import (
	"iter"
	"log/slog"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

const (
	DefaultNegativeRetries   = 10
	DefaultPairsPerIdentity  = 100
	minImagesForPositivePair = 2
)

type SamplerOptions struct {
	// PairsPerEpoch defaults to DefaultPairsPerIdentity per usable identity.
	PairsPerEpoch int
	// NegativeRetries bounds how often a repeated negative pair is redrawn
	// before the duplicate is accepted.
	NegativeRetries int
}

// PairSampler draws balanced, labelled pairs from a corpus. It is not safe
// for concurrent use; epochs share its rng.
type PairSampler struct {
	identities []domain.Identity
	offsets    []uint64
	eligible   []int
	total      uint64
	opts       SamplerOptions
	rng        *rand.Rand
	skipped    []error
}

func NewPairSampler(ids []domain.Identity, opts SamplerOptions, rng *rand.Rand, logger *slog.Logger) (*PairSampler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.NegativeRetries < 0 {
		return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{"field": "negative_retries", "value": opts.NegativeRetries})
	}
	if opts.NegativeRetries == 0 {
		opts.NegativeRetries = DefaultNegativeRetries
	}

	s := &PairSampler{opts: opts, rng: rng}
	for _, id := range ids {
		if len(id.Images) == 0 {
			continue
		}
		if len(id.Images) < minImagesForPositivePair {
			err := domain.ErrInsufficientIdentityImages.WithDetails(map[string]any{
				"identity": id.Key,
				"images":   len(id.Images),
			})
			s.skipped = append(s.skipped, err)
			logger.Warn("identity skipped for positive pairs",
				"identity", id.Key,
				"images", len(id.Images),
				"error", err,
			)
		} else {
			s.eligible = append(s.eligible, len(s.identities))
		}
		s.offsets = append(s.offsets, s.total)
		s.total += uint64(len(id.Images))
		s.identities = append(s.identities, id)
	}

	if len(s.eligible) == 0 || len(s.identities) < 2 {
		return nil, domain.ErrDatasetTooSmall.WithDetails(map[string]any{
			"identities":         len(s.identities),
			"eligible_positives": len(s.eligible),
		})
	}
	if s.opts.PairsPerEpoch < 0 {
		return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{"field": "pairs_per_epoch", "value": s.opts.PairsPerEpoch})
	}
	if s.opts.PairsPerEpoch == 0 {
		s.opts.PairsPerEpoch = DefaultPairsPerIdentity * len(s.identities)
	}

	logger.Info("pair sampler ready",
		"identities", len(s.identities),
		"eligible_positives", len(s.eligible),
		"images", s.total,
		"pairs_per_epoch", s.opts.PairsPerEpoch,
	)
	return s, nil
}

// Skipped returns the INSUFFICIENT_IDENTITY_IMAGES errors recorded while
// building the sampler.
func (s *PairSampler) Skipped() []error {
	return s.skipped
}

func (s *PairSampler) PairsPerEpoch() int {
	return s.opts.PairsPerEpoch
}

func (s *PairSampler) Identities() int {
	return len(s.identities)
}

// Images yields every image the sampler can draw from, including those of
// identities that only serve negatives.
func (s *PairSampler) Images() iter.Seq[domain.ImageRef] {
	return func(yield func(domain.ImageRef) bool) {
		for _, id := range s.identities {
			for _, ref := range id.Images {
				if !yield(ref) {
					return
				}
			}
		}
	}
}

// Epoch fixes a new shuffled label schedule of exactly N/2 (rounded down)
// positives and returns a lazy sequence over it.
func (s *PairSampler) Epoch() *PairSequence {
	n := s.opts.PairsPerEpoch
	labels := make([]domain.Label, n)
	for i := range n / 2 {
		labels[i] = domain.LabelSame
	}
	s.rng.Shuffle(n, func(i, j int) { labels[i], labels[j] = labels[j], labels[i] })

	return &PairSequence{
		sampler: s,
		labels:  labels,
		seen:    roaring64.NewBitmap(),
	}
}

// PairSequence yields one epoch of pairs. Pairs are drawn on demand.
type PairSequence struct {
	sampler    *PairSampler
	labels     []domain.Label
	pos        int
	seen       *roaring64.Bitmap
	duplicates int
}

func (q *PairSequence) Len() int {
	return len(q.labels)
}

// Duplicates counts negatives accepted after the retry budget ran out.
func (q *PairSequence) Duplicates() int {
	return q.duplicates
}

func (q *PairSequence) Next() (domain.Pair, bool) {
	if q.pos >= len(q.labels) {
		return domain.Pair{}, false
	}
	label := q.labels[q.pos]
	q.pos++

	if label == domain.LabelSame {
		return q.sampler.positive(), true
	}
	return q.negative(), true
}

// All ranges over the pairs not yet consumed.
func (q *PairSequence) All() iter.Seq[domain.Pair] {
	return func(yield func(domain.Pair) bool) {
		for {
			p, ok := q.Next()
			if !ok || !yield(p) {
				return
			}
		}
	}
}

// Batch draws up to n pairs; an empty result marks the end of the epoch.
func (q *PairSequence) Batch(n int) []domain.Pair {
	out := make([]domain.Pair, 0, min(n, len(q.labels)-q.pos))
	for len(out) < n {
		p, ok := q.Next()
		if !ok {
			break
		}
		out = append(out, p)
	}
	return out
}

func (s *PairSampler) positive() domain.Pair {
	id := s.identities[s.eligible[s.rng.IntN(len(s.eligible))]]
	i := s.rng.IntN(len(id.Images))
	j := s.rng.IntN(len(id.Images) - 1)
	if j >= i {
		j++
	}
	return domain.Pair{A: id.Images[i], B: id.Images[j], Label: domain.LabelSame}
}

func (q *PairSequence) negative() domain.Pair {
	s := q.sampler
	var pair domain.Pair
	for attempt := 0; attempt <= s.opts.NegativeRetries; attempt++ {
		a := s.rng.IntN(len(s.identities))
		b := s.rng.IntN(len(s.identities) - 1)
		if b >= a {
			b++
		}
		i := s.rng.IntN(len(s.identities[a].Images))
		j := s.rng.IntN(len(s.identities[b].Images))
		pair = domain.Pair{
			A:     s.identities[a].Images[i],
			B:     s.identities[b].Images[j],
			Label: domain.LabelDifferent,
		}
		if q.seen.CheckedAdd(s.pairKey(s.offsets[a]+uint64(i), s.offsets[b]+uint64(j))) {
			return pair
		}
	}
	q.duplicates++
	return pair
}

// pairKey encodes an unordered pair of global image indices.
func (s *PairSampler) pairKey(x, y uint64) uint64 {
	if x > y {
		x, y = y, x
	}
	return x*s.total + y
}

// Collect drains seq into a slice.
func Collect(seq *PairSequence) []domain.Pair {
	out := make([]domain.Pair, 0, seq.Len())
	for p := range seq.All() {
		out = append(out, p)
	}
	return out
}
