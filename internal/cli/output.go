package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/saturnino-fabrica-de-software/netra/internal/calibration"
	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMetrics(w io.Writer, m calibration.Metrics) {
	c := m.Confusion
	fmt.Fprintf(w, "Threshold:  %.4f\n", m.Threshold)
	fmt.Fprintf(w, "Pairs:      %d\n", m.Samples)
	fmt.Fprintf(w, "Accuracy:   %.4f\n", m.Accuracy)
	fmt.Fprintf(w, "Precision:  %.4f\n", m.Precision)
	fmt.Fprintf(w, "Recall:     %.4f\n", m.Recall)
	fmt.Fprintf(w, "F1:         %.4f\n", m.F1)
	fmt.Fprintf(w, "ROC AUC:    %.4f\n", m.AUC)
	fmt.Fprintf(w, "\n                 predicted same  predicted different\n")
	fmt.Fprintf(w, "  actual same    %14d  %19d\n", c.TruePositives, c.FalseNegatives)
	fmt.Fprintf(w, "  actual diff    %14d  %19d\n", c.FalsePositives, c.TrueNegatives)
}

// newRNG seeds a PCG source; seed 0 picks one from the clock and reports it
// so the run can be repeated.
func newRNG(seed uint64) (*rand.Rand, uint64) {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), seed
}

func labelCounts(labels []domain.Label) (same, different int) {
	for _, l := range labels {
		if l == domain.LabelSame {
			same++
		} else {
			different++
		}
	}
	return same, different
}
