package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const browserWriteTimeout = 5 * time.Second

// outbox forwards events to the browser socket from its own goroutine so a
// slow browser never stalls the upstream reader. When the queue is full the
// event is dropped.
type outbox struct {
	ws     *websocket.Conn
	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newOutbox(ws *websocket.Conn, size int, logger *slog.Logger) *outbox {
	if size <= 0 {
		size = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{
		ws:     ws,
		queue:  make(chan Event, size),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	o.wg.Add(1)
	go o.loop()
	return o
}

func (o *outbox) Send(ev Event) {
	select {
	case <-o.ctx.Done():
		return
	default:
	}

	select {
	case o.queue <- ev:
	case <-o.ctx.Done():
	default:
		o.logger.Warn("Browser queue full, dropping event", "type", ev.Type, "queue_len", len(o.queue))
	}
}

func (o *outbox) loop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case ev := <-o.queue:
			writeCtx, cancel := context.WithTimeout(o.ctx, browserWriteTimeout)
			err := wsjson.Write(writeCtx, o.ws, ev)
			cancel()
			if err != nil {
				if o.ctx.Err() == nil {
					o.logger.Debug("Browser write failed", "type", ev.Type, "error", err)
				}
				o.cancel()
				return
			}
		}
	}
}

// Close stops the writer and waits for it. Queued events are discarded.
func (o *outbox) Close() {
	o.cancel()
	o.wg.Wait()
}
