// Package neuquant implements the classic NeuQuant colour quantizer
// (Dekker 1994): a Kohonen self-organising network trained on an
// image's pixels that converges to a palette of up to 256 colours.
//
// Training samples pixels on a fixed prime-stride walk across the
// image (no PRNG involved), so a given input and sampling factor always
// produce the same palette and lookup table.
package neuquant

// Tunable bounds, matching the classic algorithm's constants.
const (
	MaxNetSize   = 256
	prime1       = 499
	prime2       = 491
	prime3       = 487
	prime4       = 503
	minPicBytes  = 3 * prime4
	alphaBiasShift = 10
	initAlpha      = 1 << alphaBiasShift // initial learning rate, fixed-point
	radiusBiasShift = 6
	radiusBias      = 1 << radiusBiasShift
	radiusDecShift  = 30
)

// node is one network entry, stored as (b, g, r) plus a running
// frequency/bias pair used by the bias-correcting nearest-neighbour
// search during training.
type node struct {
	b, g, r  float64
	freq     float64
	bias     float64
}

// Network is a trained (or training) NeuQuant network.
type Network struct {
	netSize int
	nodes   []node
	index   [256]int // netindex: inverse map from green value to starting node
	pixels  []byte   // RGB triplets, len % 3 == 0
	samplingFactor int
}

// New creates a network over pixels (a flat RGB byte sequence, 3 bytes
// per pixel) with the given sampling factor (1..30, higher = faster and
// coarser) and target palette size (<=256, default 256 when <=0).
func New(pixels []byte, samplingFactor, numColors int) *Network {
	if samplingFactor < 1 {
		samplingFactor = 1
	}
	if samplingFactor > 30 {
		samplingFactor = 30
	}
	if numColors <= 0 || numColors > MaxNetSize {
		numColors = MaxNetSize
	}
	n := &Network{
		netSize:        numColors,
		pixels:         pixels,
		samplingFactor: samplingFactor,
	}
	n.nodes = make([]node, n.netSize)
	for i := range n.nodes {
		v := float64(i) * 256.0 / float64(n.netSize)
		n.nodes[i] = node{b: v, g: v, r: v, freq: 1.0 / float64(n.netSize)}
	}
	return n
}

// Process runs the full training schedule and builds the final colour
// map and inverse index, matching the spec's behavioural summary: the
// learning radius shrinks from netSize/8 to 0 and the learning rate
// from ~0.4 to 0 across the run, sampling pixels on a prime-stride walk.
func (n *Network) Process() {
	n.learn()
	n.buildIndex()
}

func (n *Network) learn() {
	nPixels := len(n.pixels) / 3
	if nPixels == 0 {
		n.buildIndex()
		return
	}

	lengthCount := nPixels
	samplePixels := lengthCount / n.samplingFactor
	if samplePixels < 1 {
		samplePixels = 1
	}
	delta := samplePixels / 100
	if delta < 1 {
		delta = 1
	}

	alpha := float64(initAlpha)
	radius := float64(n.netSize >> 3)
	if radius <= 1 {
		radius = 0
	}
	rad := int(radius)

	step := prime1
	if lengthCount%prime1 != 0 {
		step = prime1
	} else if lengthCount%prime2 != 0 {
		step = prime2
	} else if lengthCount%prime3 != 0 {
		step = prime3
	} else {
		step = prime4
	}

	pos := 0
	for i := 0; i < samplePixels; i++ {
		off := (pos % nPixels) * 3
		r := float64(n.pixels[off])
		g := float64(n.pixels[off+1])
		b := float64(n.pixels[off+2])

		best := n.contest(b, g, r)
		n.alterSingle(alpha, best, b, g, r)
		if rad > 0 {
			n.alterNeighbourhood(alpha, rad, best, b, g, r)
		}

		pos += step
		pos %= nPixels

		if i%delta == 0 {
			frac := float64(i) / float64(samplePixels)
			alpha = float64(initAlpha) * (1 - frac)
			newRad := float64(n.netSize>>3) * (1 - frac)
			rad = int(newRad)
			if rad <= 1 {
				rad = 0
			}
		}
	}
}

// contest finds the node closest to (b,g,r) by squared Euclidean
// distance, with a small frequency bias so rarely-picked nodes remain
// eligible (the classic algorithm's "conscience" mechanism).
func (n *Network) contest(b, g, r float64) int {
	best := -1
	bestDist := 1e18
	bestBiasDist := 1e18
	for i := range n.nodes {
		nd := &n.nodes[i]
		db := nd.b - b
		dg := nd.g - g
		dr := nd.r - r
		dist := db*db + dg*dg + dr*dr
		if dist < bestDist {
			bestDist = dist
		}
		biasDist := dist - nd.bias
		if biasDist < bestBiasDist {
			bestBiasDist = biasDist
			best = i
		}
		nd.freq -= nd.freq / 1024
		nd.bias += nd.freq / 1024
	}
	if best < 0 {
		best = 0
	}
	n.nodes[best].freq += 1.0 / float64(n.netSize)
	n.nodes[best].bias -= 1.0
	return best
}

func (n *Network) alterSingle(alpha float64, i int, b, g, r float64) {
	nd := &n.nodes[i]
	a := alpha / float64(initAlpha)
	nd.b -= a * (nd.b - b)
	nd.g -= a * (nd.g - g)
	nd.r -= a * (nd.r - r)
}

func (n *Network) alterNeighbourhood(alpha float64, rad, i int, b, g, r float64) {
	lo, hi := i-rad, i+rad
	if lo < 0 {
		lo = 0
	}
	if hi > n.netSize {
		hi = n.netSize
	}
	for j := i + 1; j < hi; j++ {
		d := float64(j-i) * float64(j-i)
		a := (alpha / float64(initAlpha)) * float64(rad*rad-int(d)) / float64(rad*rad)
		if a <= 0 {
			continue
		}
		nd := &n.nodes[j]
		nd.b -= a * (nd.b - b)
		nd.g -= a * (nd.g - g)
		nd.r -= a * (nd.r - r)
	}
	for j := i - 1; j >= lo; j-- {
		d := float64(i-j) * float64(i-j)
		a := (alpha / float64(initAlpha)) * float64(rad*rad-int(d)) / float64(rad*rad)
		if a <= 0 {
			continue
		}
		nd := &n.nodes[j]
		nd.b -= a * (nd.b - b)
		nd.g -= a * (nd.g - g)
		nd.r -= a * (nd.r - r)
	}
}

// buildIndex sorts the trained nodes by green value and builds the
// inverse netindex table used for fast lookup.
func (n *Network) buildIndex() {
	for i := 0; i < n.netSize-1; i++ {
		smallest := i
		for j := i + 1; j < n.netSize; j++ {
			if n.nodes[j].g < n.nodes[smallest].g {
				smallest = j
			}
		}
		if smallest != i {
			n.nodes[i], n.nodes[smallest] = n.nodes[smallest], n.nodes[i]
		}
	}

	prevGreen := 0
	startIdx := 0
	for i := 0; i < n.netSize; i++ {
		g := int(n.nodes[i].g)
		for j := prevGreen; j <= g; j++ {
			n.index[j] = startIdx
		}
		prevGreen = g + 1
		startIdx = i
	}
	for j := prevGreen; j < 256; j++ {
		n.index[j] = startIdx
	}
}

// Palette returns the trained network's colour entries as RGB triples,
// in sorted (by green) order — the order a decoder will see an encoded
// index map to.
func (n *Network) Palette() [][3]uint8 {
	out := make([][3]uint8, n.netSize)
	for i, nd := range n.nodes {
		out[i] = [3]uint8{clampByte(nd.r), clampByte(nd.g), clampByte(nd.b)}
	}
	return out
}

// Lookup returns the index of the palette entry closest to (r,g,b). The
// netindex table built by buildIndex narrows the starting point to
// nodes near the query's green value; since the node list is sorted by
// green, the search can stop once the remaining nodes' green distance
// alone exceeds the best distance found so far.
func (n *Network) Lookup(r, g, b uint8) int {
	rf, gf, bf := float64(r), float64(g), float64(b)
	best := 0
	bestDist := 1e18

	start := n.index[g]

	for i := start; i < n.netSize; i++ {
		nd := n.nodes[i]
		dg := nd.g - gf
		if dg*dg >= bestDist {
			break
		}
		dr := nd.r - rf
		db := nd.b - bf
		dist := dr*dr + dg*dg + db*db
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	for i := start - 1; i >= 0; i-- {
		nd := n.nodes[i]
		dg := gf - nd.g
		if dg*dg >= bestDist {
			break
		}
		dr := nd.r - rf
		db := nd.b - bf
		dist := dr*dr + dg*dg + db*db
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	return best
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
