package bpm

// SampleWindow is a fixed-capacity ring of the most recent raw samples.
// Writes overwrite the oldest entry once the ring is full.
type SampleWindow struct {
	buf    []int
	next   int
	length int
}

// NewSampleWindow creates a window holding at most capacity samples.
func NewSampleWindow(capacity int) *SampleWindow {
	if capacity <= 0 {
		panic("bpm: window capacity must be > 0")
	}
	return &SampleWindow{buf: make([]int, capacity)}
}

// Push stores v and reports whether the write completed a full revolution of
// the ring, which happens on every capacity-th sample.
func (w *SampleWindow) Push(v int) bool {
	w.buf[w.next] = v
	w.next++
	if w.length < len(w.buf) {
		w.length++
	}
	if w.next == len(w.buf) {
		w.next = 0
		return true
	}
	return false
}

// Sum adds up the stored samples.
func (w *SampleWindow) Sum() int {
	total := 0
	for i := 0; i < w.length; i++ {
		total += w.buf[i]
	}
	return total
}

func (w *SampleWindow) Len() int { return w.length }
func (w *SampleWindow) Cap() int { return len(w.buf) }

// Values returns a copy of the stored samples, oldest first.
func (w *SampleWindow) Values() []int {
	out := make([]int, 0, w.length)
	if w.length < len(w.buf) {
		return append(out, w.buf[:w.length]...)
	}
	out = append(out, w.buf[w.next:]...)
	return append(out, w.buf[:w.next]...)
}

func (w *SampleWindow) reset() {
	for i := range w.buf {
		w.buf[i] = 0
	}
	w.next = 0
	w.length = 0
}
