package mobile

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dss/dynstream/internal/dsserrors"
)

// mediaPump drains a bounded queue of chunks into a FIFO, one write at a
// time. A stall on the producer side for longer than waitTimeout, or a
// full queue (the consumer — the muxer — not keeping up), is reported as
// backpressure and the pump stops itself; the session treats either as a
// fatal session error, matching the original Media thread's contract.
type mediaPump struct {
	name        string
	pipe        *os.File
	queue       chan []byte
	waitTimeout time.Duration
	onError     func(error)

	stopCh  chan struct{}
	doneCh  chan struct{}
	errOnce sync.Once
	writeMu sync.Mutex
}

func newMediaPump(name string, pipe *os.File, queueLimit int, waitTimeout time.Duration, onError func(error)) *mediaPump {
	p := &mediaPump{
		name:        name,
		pipe:        pipe,
		queue:       make(chan []byte, queueLimit),
		waitTimeout: waitTimeout,
		onError:     onError,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *mediaPump) run() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		case data := <-p.queue:
			if data == nil {
				return
			}
			p.writeMu.Lock()
			_, err := p.pipe.Write(data)
			p.writeMu.Unlock()
			if err != nil {
				p.fail(fmt.Errorf("mobile: %s pump write: %w", p.name, err))
				return
			}
		case <-time.After(p.waitTimeout):
			p.fail(fmt.Errorf("mobile: %s pump idle for %s (low bandwidth): %w", p.name, p.waitTimeout, dsserrors.ErrBackpressure))
			return
		}
	}
}

func (p *mediaPump) fail(err error) {
	p.errOnce.Do(func() {
		if p.onError != nil {
			p.onError(err)
		}
	})
}

// AddData enqueues one chunk, treating a full queue as producer-faster-
// than-consumer backpressure: the session is aborted rather than letting
// memory grow unbounded.
func (p *mediaPump) AddData(data []byte) error {
	select {
	case p.queue <- data:
		return nil
	default:
		err := fmt.Errorf("mobile: %s pump queue full: %w", p.name, dsserrors.ErrBackpressure)
		p.fail(err)
		return err
	}
}

// Stop signals the pump to exit, unblocks any in-flight pipe write via a
// write deadline (the Go analogue of the original's O_NONBLOCK-then-drain
// dance), waits for the worker to exit, and closes the pipe.
func (p *mediaPump) Stop() {
	close(p.stopCh)
	_ = p.pipe.SetWriteDeadline(time.Now())
	<-p.doneCh
	p.pipe.Close()
}
