package rolling

// Reducers for Series.Reduce. Each one scans the whole window, so unlike the
// maintained aggregates they cost O(N).

func Sum[F Float](iterator *Iterator[F]) F {
	var res F
	for iterator.Next() {
		res += iterator.Value()
	}
	return res
}

func Avg[F Float](iterator *Iterator[F]) F {
	var res, count F
	for iterator.Next() {
		res += iterator.Value()
		count++
	}
	if count == 0 {
		return 0
	}
	return res / count
}

func Min[F Float](iterator *Iterator[F]) F {
	if !iterator.Next() {
		return 0
	}
	res := iterator.Value()
	for iterator.Next() {
		if v := iterator.Value(); v < res {
			res = v
		}
	}
	return res
}

func Max[F Float](iterator *Iterator[F]) F {
	if !iterator.Next() {
		return 0
	}
	res := iterator.Value()
	for iterator.Next() {
		if v := iterator.Value(); v > res {
			res = v
		}
	}
	return res
}

func Count[F Float](iterator *Iterator[F]) F {
	var res F
	for iterator.Next() {
		iterator.Value()
		res++
	}
	return res
}
