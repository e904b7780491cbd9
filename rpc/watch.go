package rpc

import (
	"io"
	"sync"
	"time"

	"chatrelay/common"
	"chatrelay/log"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

const keepAliveInterval = 25 * time.Second

// feed hands snapshots from a subscription goroutine to the request
// goroutine. Only the latest snapshot is kept; errors are queued.
type feed[T any] struct {
	mu   sync.Mutex
	snap []T
	has  bool
	errs []error
	wake chan struct{}
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{wake: make(chan struct{}, 1)}
}

func (f *feed[T]) poke() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feed[T]) observer() common.Observer[T] {
	return common.Observer[T]{
		OnSnapshot: func(items []T) {
			f.mu.Lock()
			f.snap, f.has = items, true
			f.mu.Unlock()
			f.poke()
		},
		OnError: func(err error) {
			f.mu.Lock()
			f.errs = append(f.errs, err)
			f.mu.Unlock()
			f.poke()
		},
	}
}

func (f *feed[T]) take() ([]T, bool, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, has, errs := f.snap, f.has, f.errs
	f.snap, f.has, f.errs = nil, false, nil
	return snap, has, errs
}

type errorEvent struct {
	Kind    common.Kind `json:"kind"`
	Message string      `json:"message"`
}

func encodeEvent(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode event", err)
		return "null"
	}
	return string(data)
}

func stream[T any](c *gin.Context, f *feed[T], sub common.Subscription) {
	defer sub.Unsubscribe()
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case <-ticker.C:
			c.SSEvent("ping", "")
			return true
		case <-f.wake:
			snap, has, errs := f.take()
			for _, err := range errs {
				c.SSEvent("error", encodeEvent(errorEvent{Kind: common.KindOf(err), Message: common.Describe(err)}))
			}
			if has {
				if snap == nil {
					snap = []T{}
				}
				c.SSEvent("snapshot", encodeEvent(snap))
			}
			return true
		}
	})
}

func (s *Service) HandleWatchConversations(c *gin.Context) {
	f := newFeed[common.Conversation]()
	sub, err := s.chat.WatchConversations(c.Request.Context(), currentUser(c), f.observer())
	if err != nil {
		replyError(c, err, nil)
		return
	}
	stream(c, f, sub)
}

func (s *Service) HandleWatchMessages(c *gin.Context) {
	f := newFeed[common.Message]()
	sub, err := s.chat.WatchMessages(c.Request.Context(), currentUser(c), c.Param("id"), f.observer())
	if err != nil {
		replyError(c, err, nil)
		return
	}
	stream(c, f, sub)
}
