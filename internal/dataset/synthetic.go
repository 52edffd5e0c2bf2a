package dataset

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Synthetic generators draw from a PCG source seeded with seed, so equal
// arguments produce equal datasets.

func source(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0xda3e39cb94b95bdb)
}

// XOR samples n points around the four corners of the unit square. The
// target is 1 when exactly one coordinate is near 1.
func XOR(n int, noise float64, seed uint64) *Dataset {
	src := source(seed)
	pick := rand.New(src)
	jitter := distuv.Normal{Mu: 0, Sigma: noise, Src: src}

	x := mat.NewDense(n, 2, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		a, b := pick.IntN(2), pick.IntN(2)
		x.Set(i, 0, float64(a)+jitter.Rand())
		x.Set(i, 1, float64(b)+jitter.Rand())
		y.Set(i, 0, float64(a^b))
	}
	return &Dataset{X: x, Y: y}
}

// Blobs samples n points from classes Gaussian clusters in features
// dimensions. Cluster centers are spread on a grid of side 4, and targets
// are one-hot.
func Blobs(n, classes, features int, spread float64, seed uint64) *Dataset {
	src := source(seed)
	pick := rand.New(src)
	center := distuv.Uniform{Min: -4, Max: 4, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: spread, Src: src}

	centers := mat.NewDense(classes, features, nil)
	for c := 0; c < classes; c++ {
		for j := 0; j < features; j++ {
			centers.Set(c, j, center.Rand())
		}
	}

	x := mat.NewDense(n, features, nil)
	y := mat.NewDense(n, classes, nil)
	names := make([]string, classes)
	for c := range names {
		names[c] = string(rune('a' + c%26))
	}
	for i := 0; i < n; i++ {
		c := pick.IntN(classes)
		for j := 0; j < features; j++ {
			x.Set(i, j, centers.At(c, j)+noise.Rand())
		}
		y.Set(i, c, 1)
	}
	return &Dataset{X: x, Y: y, Classes: names}
}

// Line samples n points of y = slope*x + intercept with Gaussian noise, x
// uniform in [-1, 1].
func Line(n int, slope, intercept, noise float64, seed uint64) *Dataset {
	src := source(seed)
	xs := distuv.Uniform{Min: -1, Max: 1, Src: src}
	eps := distuv.Normal{Mu: 0, Sigma: noise, Src: src}

	x := mat.NewDense(n, 1, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		v := xs.Rand()
		x.Set(i, 0, v)
		y.Set(i, 0, slope*v+intercept+eps.Rand())
	}
	return &Dataset{X: x, Y: y}
}
