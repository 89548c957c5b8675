package session

// StringRing is a fixed-capacity circular buffer of strings. Adding past
// capacity overwrites the oldest entry; re-adding an existing value
// refreshes its recency instead of duplicating it. It makes the "last N"
// retention contract explicit rather than relying on ad hoc slicing.
type StringRing struct {
	buf   []string
	head  int // logical index of the oldest entry
	count int
}

// NewStringRing creates a ring holding at most capacity values.
func NewStringRing(capacity int) *StringRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &StringRing{buf: make([]string, capacity)}
}

// Add appends a value as the most recent entry. Empty values are ignored.
func (r *StringRing) Add(value string) {
	if value == "" {
		return
	}
	r.remove(value)
	if r.count == len(r.buf) {
		// Full: the oldest entry gives way.
		r.head = (r.head + 1) % len(r.buf)
		r.count--
	}
	r.buf[(r.head+r.count)%len(r.buf)] = value
	r.count++
}

// AddAll appends values in order, oldest first.
func (r *StringRing) AddAll(values []string) {
	for _, v := range values {
		r.Add(v)
	}
}

// remove drops an existing occurrence of value, shifting newer entries back.
func (r *StringRing) remove(value string) {
	for i := 0; i < r.count; i++ {
		if r.buf[(r.head+i)%len(r.buf)] != value {
			continue
		}
		for j := i; j < r.count-1; j++ {
			r.buf[(r.head+j)%len(r.buf)] = r.buf[(r.head+j+1)%len(r.buf)]
		}
		r.count--
		return
	}
}

// Items returns the retained values, oldest first.
func (r *StringRing) Items() []string {
	out := make([]string, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// Newest returns up to n of the most recent values, newest first.
func (r *StringRing) Newest(n int) []string {
	if n > r.count {
		n = r.count
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(r.head+r.count-1-i)%len(r.buf)])
	}
	return out
}

// Len returns the number of retained values.
func (r *StringRing) Len() int { return r.count }

// Cap returns the retention limit.
func (r *StringRing) Cap() int { return len(r.buf) }
