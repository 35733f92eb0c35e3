package rolling

import "golang.org/x/exp/constraints"

// Float is the set of element types a Series can hold.
type Float interface {
	constraints.Float
}

type Metric[F Float] interface {
	Insert(F)
	Curr() F
}

type Aggregation[F Float] interface {
	Sum() F
	Mean() F
	Var() F
	Stdev() F
	Norm() F
}

var (
	_ Metric[float64]      = (*Series[float64])(nil)
	_ Aggregation[float64] = (*Series[float64])(nil)
	_ Metric[float32]      = (*Series[float32])(nil)
	_ Aggregation[float32] = (*Series[float32])(nil)
)
