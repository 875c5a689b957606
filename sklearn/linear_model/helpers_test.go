package linear_model

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// makeBlobs returns well-separated gaussian clusters, one per center, labeled 0..k-1.
func makeBlobs(seed uint64, perClass int, centers [][]float64, spread float64) (*mat.Dense, *mat.Dense) {
	rng := rand.New(rand.NewPCG(seed, seed))
	d := len(centers[0])
	n := perClass * len(centers)
	X := mat.NewDense(n, d, nil)
	y := mat.NewDense(n, 1, nil)
	row := 0
	for k, c := range centers {
		for i := 0; i < perClass; i++ {
			for j := 0; j < d; j++ {
				X.Set(row, j, c[j]+spread*rng.NormFloat64())
			}
			y.Set(row, 0, float64(k))
			row++
		}
	}
	return X, y
}

var threeCenters = [][]float64{{-4, 0}, {4, 0}, {0, 5}}
