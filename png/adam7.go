package png

// adam7Pass describes one of the seven Adam7 interlacing passes: the
// starting pixel and the stride between consecutive pixels it covers,
// in both axes.
type adam7Pass struct{ xStart, yStart, xStep, yStep int }

var adam7Passes = [7]adam7Pass{
	{0, 0, 8, 8},
	{4, 0, 8, 8},
	{0, 4, 4, 8},
	{2, 0, 4, 4},
	{0, 2, 2, 4},
	{1, 0, 2, 2},
	{0, 1, 1, 2},
}

func adam7PassDims(p adam7Pass, width, height int) (w, h int) {
	w = (width - p.xStart + p.xStep - 1) / p.xStep
	h = (height - p.yStart + p.yStep - 1) / p.yStep
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return
}
