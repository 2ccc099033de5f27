package footprint

// genSet is a generation-tagged resource set: instead of clearing a map at
// the start of every tick, it bumps a generation counter, so membership is
// "was this key marked at the current generation" (spec.md §9,
// "Generation-tagged resource sets"). Clearing for a new tick is O(1).
type genSet[K comparable] struct {
	gen  map[K]uint64
	cur  uint64
}

func newGenSet[K comparable]() *genSet[K] {
	return &genSet[K]{gen: make(map[K]uint64)}
}

func (g *genSet[K]) has(k K) bool {
	return g.gen[k] == g.cur && g.cur != 0
}

func (g *genSet[K]) mark(k K) {
	g.gen[k] = g.cur
}

// advance starts a new generation. Prior marks become invisible without
// being deleted; the backing map is only reclaimed if it grows unreasonably
// large relative to live keys, which callers may trigger via compact.
func (g *genSet[K]) advance() {
	g.cur++
}

// compact drops entries from stale generations once the map has accumulated
// enough dead weight to be worth a sweep. This keeps genSet's "O(1)
// amortized clear" promise from becoming an unbounded memory leak over a
// long-running worldline.
func (g *genSet[K]) compact() {
	if len(g.gen) < 4096 {
		return
	}
	for k, gen := range g.gen {
		if gen != g.cur {
			delete(g.gen, k)
		}
	}
}
