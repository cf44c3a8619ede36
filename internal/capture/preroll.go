package capture

// preRoll is a bounded FIFO of encoded frames captured while voice is
// inactive. Pushing beyond capacity drops the oldest entry.
type preRoll struct {
	buf  [][]byte
	head int
	n    int
}

func newPreRoll(capacity int) *preRoll {
	return &preRoll{buf: make([][]byte, max(capacity, 0))}
}

func (p *preRoll) push(frame []byte) {
	if len(p.buf) == 0 {
		return
	}
	tail := (p.head + p.n) % len(p.buf)
	p.buf[tail] = frame
	if p.n < len(p.buf) {
		p.n++
		return
	}
	p.head = (p.head + 1) % len(p.buf)
}

// drain returns all retained frames oldest first and empties the buffer.
func (p *preRoll) drain() [][]byte {
	out := make([][]byte, 0, p.n)
	for i := range p.n {
		out = append(out, p.buf[(p.head+i)%len(p.buf)])
	}
	p.clear()
	return out
}

func (p *preRoll) clear() {
	clear(p.buf)
	p.head = 0
	p.n = 0
}

func (p *preRoll) len() int { return p.n }
