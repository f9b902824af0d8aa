package clustering

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

const maxIterations = 100

// kmeans partitions rows into k groups with k-means++ seeding and Lloyd
// iterations. It returns the label of each row and the centroids.
func kmeans(rows [][]float64, k int, seed int64) ([]int, [][]float64) {
	rng := rand.New(rand.NewSource(seed))
	centroids := seedCentroids(rows, k, rng)
	labels := make([]int, len(rows))
	for i := range labels {
		labels[i] = -1
	}

	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, row := range rows {
			best := nearest(row, centroids)
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		dim := len(rows[0])
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, row := range rows {
			floats.Add(sums[labels[i]], row)
			counts[labels[i]]++
		}
		for c := range centroids {
			// An emptied cluster keeps its previous centroid.
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			centroids[c] = sums[c]
		}
	}

	return labels, centroids
}

func seedCentroids(rows [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := rng.Intn(len(rows))
	centroids = append(centroids, append([]float64(nil), rows[first]...))

	dist := make([]float64, len(rows))
	for len(centroids) < k {
		total := 0.0
		for i, row := range rows {
			d := floats.Distance(row, centroids[nearest(row, centroids)], 2)
			dist[i] = d * d
			total += dist[i]
		}

		next := len(centroids) % len(rows)
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range dist {
				target -= d
				if target <= 0 {
					next = i
					break
				}
			}
		}
		centroids = append(centroids, append([]float64(nil), rows[next]...))
	}
	return centroids
}

func nearest(row []float64, centroids [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := floats.Distance(row, centroid, 2); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
