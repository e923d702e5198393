package irq

import (
	"sync/atomic"

	"tools.zach/dev/neildev/internal/readiness"
	"tools.zach/dev/neildev/internal/waitq"
)

// Producer is the channel's interrupt handler. It marks the readiness flag
// and then wakes every waiter, in that order, so a woken waiter always finds
// the flag set. It performs no I/O and takes no lock a consumer can hold for
// longer than constant time.
type Producer struct {
	flag  *readiness.Flag
	coord *waitq.Coordinator
	fired atomic.Uint64
}

// NewProducer binds a Producer to the channel's flag and coordinator.
func NewProducer(flag *readiness.Flag, coord *waitq.Coordinator) *Producer {
	return &Producer{flag: flag, coord: coord}
}

// HandleIRQ implements [Handler].
func (p *Producer) HandleIRQ(int) {
	p.flag.Set()
	p.coord.NotifyAll()
	p.fired.Add(1)
}

// Fired returns the number of interrupts handled.
func (p *Producer) Fired() uint64 {
	return p.fired.Load()
}
