package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/ChenyqThu/Notion2JIRA/internal/dispatch"
)

const feedBufferSize = 16

// taskFeed fans enqueued-task summaries out to connected admin websocket
// clients. Slow clients drop messages rather than stall the dispatcher.
type taskFeed struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newTaskFeed() *taskFeed {
	return &taskFeed{subs: map[chan []byte]struct{}{}}
}

func (f *taskFeed) Publish(summary dispatch.TaskSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub <- data:
		default:
		}
	}
}

func (f *taskFeed) subscribe() chan []byte {
	sub := make(chan []byte, feedBufferSize)
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

func (f *taskFeed) unsubscribe(sub chan []byte) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

func (f *taskFeed) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	// CloseRead cancels the context when the client goes away; the feed is
	// write-only from the server side.
	ctx := conn.CloseRead(r.Context())

	sub := f.subscribe()
	defer f.unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case message := <-sub:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
