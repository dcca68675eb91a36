package metrics

import (
	"sort"

	"subman/internal/model"
)

// Summary is a basic statistics snapshot over one mode's measurements.
type Summary struct {
	Nodes    int
	Measured int
	Failed   int
	AvgMs    float64
	P95Ms    float64
	MinMs    int64
	MaxMs    int64
}

// Summarize computes latency statistics for the given mode ("tcp" or
// "http") across all nodes. Untested and cancelled nodes are excluded;
// failed probes count toward Failed but not toward the latency figures.
func Summarize(nodes []model.Node, mode string) Summary {
	s := Summary{Nodes: len(nodes)}

	var values []float64
	var sum int64
	for _, n := range nodes {
		lat := n.TCP
		if mode == "http" {
			lat = n.HTTP
		}
		if !lat.Status.Tested() {
			continue
		}
		if lat.Status != model.StatusOK {
			s.Failed++
			continue
		}

		s.Measured++
		sum += lat.Millis
		values = append(values, float64(lat.Millis))
		if s.Measured == 1 || lat.Millis < s.MinMs {
			s.MinMs = lat.Millis
		}
		if lat.Millis > s.MaxMs {
			s.MaxMs = lat.Millis
		}
	}

	if s.Measured == 0 {
		return s
	}

	sort.Float64s(values)
	s.AvgMs = float64(sum) / float64(s.Measured)
	s.P95Ms = percentile(values, 0.95)
	return s
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) == 1 {
		return values[0]
	}
	idx := p * float64(len(values)-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= len(values) {
		return values[len(values)-1]
	}
	frac := idx - float64(lo)
	return values[lo]*(1-frac) + values[hi]*frac
}
