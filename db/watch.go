package db

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatrelay/common"
	"chatrelay/log"
	"chatrelay/metrics"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	changeStreamFatal       = 280
	changeStreamHistoryLost = 286
)

// watcher turns a change stream into full snapshots. Every batch of relevant
// events triggers one re-query, so bursts of writes are coalesced. When the
// stream breaks the observer is told, and the stream is reopened from the last
// resume token after a backoff.
type watcher struct {
	op       string
	view     string
	coll     *mongo.Collection
	pipeline mongo.Pipeline
	// refresh delivers a snapshot and returns the ids it holds
	refresh func(ctx context.Context) ([]string, error)
	fail    func(error)

	ctx    context.Context
	cancel context.CancelFunc
	token  bson.Raw
	once   sync.Once
	// ids of the last snapshot; deletes of anything else are ignored
	known map[string]struct{}
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		Id string `bson:"_id"`
	} `bson:"documentKey"`
}

func (w *watcher) reload(ctx context.Context) error {
	ids, err := w.refresh(ctx)
	if err != nil {
		return err
	}
	w.known = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		w.known[id] = struct{}{}
	}
	return nil
}

// wants reports whether an event can change the view. The server side filter
// lets every delete through, since a delete carries only the document key.
func (w *watcher) wants(ev changeEvent) bool {
	if ev.OperationType != "delete" {
		return true
	}
	_, ok := w.known[ev.DocumentKey.Id]
	return ok
}

func (w *watcher) relevant(cs *mongo.ChangeStream) bool {
	var ev changeEvent
	if err := cs.Decode(&ev); err != nil {
		log.Debug("undecodable change event", "view", w.view, "error", err)
		return true
	}
	return w.wants(ev)
}

func (w *watcher) open() (*mongo.ChangeStream, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if w.token != nil {
		opts.SetResumeAfter(w.token)
	}
	return w.coll.Watch(w.ctx, w.pipeline, opts)
}

// consume delivers a snapshot, then one more per batch holding a relevant
// event, until the stream fails or the watcher is closed.
func (w *watcher) consume(cs *mongo.ChangeStream, bo backoff.BackOff) error {
	defer cs.Close(context.Background())
	if err := w.reload(w.ctx); err != nil {
		return err
	}
	bo.Reset()
	for cs.Next(w.ctx) {
		dirty := w.relevant(cs)
		for cs.RemainingBatchLength() > 0 {
			if !cs.Next(w.ctx) {
				break
			}
			if w.relevant(cs) {
				dirty = true
			}
		}
		w.token = cs.ResumeToken()
		if !dirty {
			continue
		}
		if err := w.reload(w.ctx); err != nil {
			return err
		}
	}
	return cs.Err()
}

func (w *watcher) run(cs *mongo.ChangeStream) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if cs != nil {
			err := w.consume(cs, bo)
			if w.ctx.Err() != nil {
				return
			}
			metrics.StoreErrorsTotal.WithLabelValues(w.op).Inc()
			log.Warn("live view interrupted", "view", w.view, "error", err)
			w.fail(common.StoreSubscriptionError(w.op, err))
		}

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}

		var err error
		if cs, err = w.open(); err != nil {
			cs = nil
			log.Warn("reopen live view", "view", w.view, "error", err)
			// the oplog rolled past the token; start over with a fresh stream
			var se mongo.ServerError
			if errors.As(err, &se) && (se.HasErrorCode(changeStreamHistoryLost) || se.HasErrorCode(changeStreamFatal)) {
				w.token = nil
			}
		}
	}
}

func (w *watcher) Unsubscribe() {
	w.once.Do(func() {
		w.cancel()
		metrics.LiveSubscriptions.WithLabelValues(w.view).Dec()
	})
}

func (s *Store) startWatcher(ctx context.Context, w *watcher) (common.Subscription, error) {
	w.ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))
	cs, err := w.open()
	if err != nil {
		w.cancel()
		metrics.StoreErrorsTotal.WithLabelValues(w.op).Inc()
		return nil, common.StoreSubscriptionError(w.op, err)
	}
	metrics.LiveSubscriptions.WithLabelValues(w.view).Inc()
	go w.run(cs)
	return w, nil
}

// matchOwned selects inserts and updates whose document carries field=value.
// Deletes carry no document and always pass; wants drops the foreign ones.
func matchOwned(field, value string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"fullDocument." + field: value},
			bson.M{"operationType": "delete"},
		}}}},
	}
}

func (s *Store) ObserveConversations(ctx context.Context, ownerId string, obs common.Observer[common.Conversation]) (common.Subscription, error) {
	return s.startWatcher(ctx, &watcher{
		op:       "db.ObserveConversations",
		view:     "conversations",
		coll:     s.conversations,
		pipeline: matchOwned("userId", ownerId),
		refresh: func(ctx context.Context) ([]string, error) {
			convs, err := s.ListConversations(ctx, ownerId)
			if err != nil {
				return nil, err
			}
			obs.Snapshot(convs)
			ids := make([]string, 0, len(convs))
			for _, c := range convs {
				ids = append(ids, c.Id)
			}
			return ids, nil
		},
		fail: obs.Fail,
	})
}

func (s *Store) ObserveMessages(ctx context.Context, ownerId, conversationId string, obs common.Observer[common.Message]) (common.Subscription, error) {
	if _, err := s.GetConversation(ctx, ownerId, conversationId); err != nil {
		return nil, err
	}
	return s.startWatcher(ctx, &watcher{
		op:       "db.ObserveMessages",
		view:     "messages",
		coll:     s.messages,
		pipeline: matchOwned("conversationId", conversationId),
		refresh: func(ctx context.Context) ([]string, error) {
			msgs, err := s.findMessages(ctx, "db.ObserveMessages", ownerId, conversationId,
				options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
			if err != nil {
				return nil, err
			}
			obs.Snapshot(msgs)
			ids := make([]string, 0, len(msgs))
			for _, m := range msgs {
				ids = append(ids, m.Id)
			}
			return ids, nil
		},
		fail: obs.Fail,
	})
}
