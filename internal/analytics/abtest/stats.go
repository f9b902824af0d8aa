package abtest

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

func evaluate(t *Test, alpha float64) map[string][]VariantResult {
	results := make(map[string][]VariantResult, len(t.Metrics))
	base := t.baseline()

	for _, m := range t.Metrics {
		samples := t.Samples[m.ID]
		baseValues := samples[base.ID]
		baseMean := mean(baseValues)

		variantResults := make([]VariantResult, 0, len(t.Variants))
		for _, v := range t.Variants {
			values := samples[v.ID]
			r := VariantResult{
				VariantID:          v.ID,
				SampleSize:         len(values),
				Value:              mean(values),
				ConfidenceInterval: confidenceInterval(values),
				PValue:             1,
			}

			if v.ID != base.ID {
				r.PValue = welchPValue(values, baseValues)
				r.Significant = r.PValue < alpha
				if baseMean != 0 {
					r.Lift = (r.Value - baseMean) / baseMean
				}
			}
			variantResults = append(variantResults, r)
		}
		results[m.ID] = variantResults
	}
	return results
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

func confidenceInterval(values []float64) ConfidenceInterval {
	n := len(values)
	if n == 0 {
		return ConfidenceInterval{}
	}

	m, std := stat.MeanStdDev(values, nil)
	if n < 2 {
		return ConfidenceInterval{Lower: m, Upper: m}
	}

	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile(0.975)
	margin := t * std / math.Sqrt(float64(n))
	return ConfidenceInterval{Lower: m - margin, Upper: m + margin}
}

// welchPValue is the two-sided p-value of Welch's unequal-variance t-test.
// Fewer than two samples on either side yields 1.
func welchPValue(a, b []float64) float64 {
	na, nb := float64(len(a)), float64(len(b))
	if na < 2 || nb < 2 {
		return 1
	}

	ma, va := stat.MeanVariance(a, nil)
	mb, vb := stat.MeanVariance(b, nil)

	sa, sb := va/na, vb/nb
	se := math.Sqrt(sa + sb)
	if se == 0 {
		if ma == mb {
			return 1
		}
		return 0
	}

	t := (ma - mb) / se
	df := (sa + sb) * (sa + sb) / (sa*sa/(na-1) + sb*sb/(nb-1))

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * (1 - dist.CDF(math.Abs(t)))
}
