package memstore

import (
	"sync"

	"chatrelay/metrics"
)

func conversationsKey(ownerId string) string { return "conversations/" + ownerId }
func messagesKey(conversationId string) string { return "messages/" + conversationId }

// subscriber coalesces change notifications: a burst of writes yields at
// least one, possibly fewer, full snapshots.
type subscriber struct {
	key     string
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	deliver func()
}

func (sub *subscriber) poke() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscriber) loop() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
			select {
			case <-sub.done:
				return
			default:
			}
			sub.deliver()
		}
	}
}

type subscription struct {
	store *Store
	id    int
	sub   *subscriber
	view  string
}

func (s *subscription) Unsubscribe() {
	s.sub.once.Do(func() {
		s.store.subMu.Lock()
		delete(s.store.subs, s.id)
		s.store.subMu.Unlock()
		close(s.sub.done)
		metrics.LiveSubscriptions.WithLabelValues(s.view).Dec()
	})
}

func (s *Store) subscribe(key, view string, deliver func()) *subscription {
	sub := &subscriber{
		key:     key,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	s.subMu.Lock()
	s.nextId++
	id := s.nextId
	s.subs[id] = sub
	s.subMu.Unlock()

	metrics.LiveSubscriptions.WithLabelValues(view).Inc()
	sub.poke()
	go sub.loop()
	return &subscription{store: s, id: id, sub: sub, view: view}
}

func (s *Store) notify(key string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if sub.key == key {
			sub.poke()
		}
	}
}

func (s *Store) notifyConversations(ownerId string) {
	s.notify(conversationsKey(ownerId))
}

func (s *Store) notifyMessages(conversationId string) {
	s.notify(messagesKey(conversationId))
}
