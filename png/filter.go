package png

// paeth is the PNG Paeth predictor (spec section 9.4).
func paeth(a, b, c uint8) uint8 {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func abs8(d uint8) int {
	if d < 128 {
		return int(d)
	}
	return 256 - int(d)
}

// unfilterRow reverses filter type ft applied to cur (length n, no
// leading filter-type byte), given the previous (already-unfiltered)
// row prev (same length, all-zero for row 0) and bpp, the number of
// bytes per complete pixel (used to find "the pixel to the left").
func unfilterRow(ft int, cur, prev []byte, bpp int) {
	switch ft {
	case ftNone:
	case ftSub:
		for i := bpp; i < len(cur); i++ {
			cur[i] += cur[i-bpp]
		}
	case ftUp:
		for i := range cur {
			cur[i] += prev[i]
		}
	case ftAverage:
		for i := 0; i < len(cur); i++ {
			var left uint8
			if i >= bpp {
				left = cur[i-bpp]
			}
			cur[i] += uint8((int(left) + int(prev[i])) / 2)
		}
	case ftPaeth:
		for i := 0; i < len(cur); i++ {
			var left, upLeft uint8
			if i >= bpp {
				left = cur[i-bpp]
				upLeft = prev[i-bpp]
			}
			cur[i] += paeth(left, prev[i], upLeft)
		}
	}
}

// filterRow writes filter type ft applied to the unfiltered row cdat0
// into dst, given the previous (unfiltered) row pr and bpp, the number
// of bytes per complete pixel. Used when the caller forces a specific
// filter instead of letting chooseFilter pick one per row.
func filterRow(ft int, dst, cdat0, pr []byte, bpp int) {
	switch ft {
	case ftNone:
		copy(dst, cdat0)
	case ftSub:
		for i := 0; i < bpp; i++ {
			dst[i] = cdat0[i]
		}
		for i := bpp; i < len(cdat0); i++ {
			dst[i] = cdat0[i] - cdat0[i-bpp]
		}
	case ftUp:
		for i := range cdat0 {
			dst[i] = cdat0[i] - pr[i]
		}
	case ftAverage:
		for i := 0; i < bpp; i++ {
			dst[i] = cdat0[i] - pr[i]/2
		}
		for i := bpp; i < len(cdat0); i++ {
			dst[i] = cdat0[i] - uint8((int(cdat0[i-bpp])+int(pr[i]))/2)
		}
	case ftPaeth:
		for i := 0; i < bpp; i++ {
			dst[i] = cdat0[i] - pr[i]
		}
		for i := bpp; i < len(cdat0); i++ {
			dst[i] = cdat0[i] - paeth(cdat0[i-bpp], pr[i], pr[i-bpp])
		}
	}
}

// chooseFilter selects the filter minimizing sum-of-absolute-values
// heuristic (the same one libpng and the teacher's encoder use),
// writing the filtered bytes for all five candidates into cr and
// returning the winning filter type's index into cr.
func chooseFilter(cr *[nFilter][]byte, pr []byte, bpp int) int {
	cdat0 := cr[ftNone]
	cdatSub := cr[ftSub]
	cdatUp := cr[ftUp]
	cdatAvg := cr[ftAverage]
	cdatPaeth := cr[ftPaeth]
	n := len(cdat0)

	sum := 0
	for i := 0; i < n; i++ {
		cdatUp[i] = cdat0[i] - pr[i]
		sum += abs8(cdatUp[i])
	}
	best := sum
	chosen := ftUp

	sum = 0
	for i := 0; i < bpp; i++ {
		cdatPaeth[i] = cdat0[i] - pr[i]
		sum += abs8(cdatPaeth[i])
	}
	for i := bpp; i < n; i++ {
		cdatPaeth[i] = cdat0[i] - paeth(cdat0[i-bpp], pr[i], pr[i-bpp])
		sum += abs8(cdatPaeth[i])
		if sum >= best {
			break
		}
	}
	if sum < best {
		best = sum
		chosen = ftPaeth
	}

	sum = 0
	for i := 0; i < n; i++ {
		sum += abs8(cdat0[i])
		if sum >= best {
			break
		}
	}
	if sum < best {
		best = sum
		chosen = ftNone
	}

	sum = 0
	for i := 0; i < bpp; i++ {
		cdatSub[i] = cdat0[i]
		sum += abs8(cdatSub[i])
	}
	for i := bpp; i < n; i++ {
		cdatSub[i] = cdat0[i] - cdat0[i-bpp]
		sum += abs8(cdatSub[i])
		if sum >= best {
			break
		}
	}
	if sum < best {
		best = sum
		chosen = ftSub
	}

	sum = 0
	for i := 0; i < bpp; i++ {
		cdatAvg[i] = cdat0[i] - pr[i]/2
		sum += abs8(cdatAvg[i])
	}
	for i := bpp; i < n; i++ {
		cdatAvg[i] = cdat0[i] - uint8((int(cdat0[i-bpp])+int(pr[i]))/2)
		sum += abs8(cdatAvg[i])
		if sum >= best {
			break
		}
	}
	if sum < best {
		chosen = ftAverage
	}

	return chosen
}
