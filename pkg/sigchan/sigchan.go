package sigchan

// Chan is a non-blocking notification channel. It signals that something
// happened without carrying data; bursts coalesce when the buffer is full.
type Chan struct {
	c chan struct{}
}

func New(bufferSize int) *Chan {
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit signals without blocking; dropped when the buffer is full.
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C exposes the channel for select loops.
func (c *Chan) C() <-chan struct{} {
	return c.c
}
