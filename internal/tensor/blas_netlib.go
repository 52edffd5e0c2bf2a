//go:build cgo && netlib

package tensor

// Registers the netlib BLAS implementation, which calls into the system BLAS
// (Accelerate on macOS, OpenBLAS on Linux). gonum/mat uses blas64 for every
// float64 product, so Dense layers pick this up without further changes.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("system BLAS enabled (netlib)")
}
