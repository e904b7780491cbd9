package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatrelay/common"
	"chatrelay/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replayingStore replays an empty snapshot several times before
// delegating, the way a reconnecting change stream can.
type replayingStore struct {
	*memstore.Store
	replays int
}

func (s *replayingStore) ObserveMessages(ctx context.Context, ownerId, conversationId string, obs common.Observer[common.Message]) (common.Subscription, error) {
	for i := 0; i < s.replays; i++ {
		obs.Snapshot(nil)
	}
	return s.Store.ObserveMessages(ctx, ownerId, conversationId, obs)
}

func TestWatchMessagesAddsWelcomeOnce(t *testing.T) {
	ctx := context.Background()
	store := &replayingStore{Store: memstore.New(), replays: 3}
	svc := NewService(store, &fakeCompleter{answer: "x"}, 0)
	conv, err := svc.NewConversation(ctx, testUser)
	require.NoError(t, err)

	var mu sync.Mutex
	var latest []common.Message
	sub, err := svc.WatchMessages(ctx, testUser, conv.Id, common.Observer[common.Message]{
		OnSnapshot: func(msgs []common.Message) {
			mu.Lock()
			latest = msgs
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// a second watcher on the same, now non-empty, conversation adds nothing
	sub2, err := svc.WatchMessages(ctx, testUser, conv.Id, common.Observer[common.Message]{})
	require.NoError(t, err)
	sub2.Unsubscribe()

	msgs, err := svc.Messages(ctx, testUser, conv.Id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, common.WelcomeText, msgs[0].Text)
	assert.Equal(t, common.SenderBot, msgs[0].Sender)
}

func TestEnsureWelcomeAcrossServices(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	a := NewService(store, &fakeCompleter{}, 0)
	b := NewService(store, &fakeCompleter{}, 0)
	conv, err := a.NewConversation(ctx, testUser)
	require.NoError(t, err)

	require.NoError(t, a.EnsureWelcome(ctx, testUser, conv.Id))
	require.NoError(t, b.EnsureWelcome(ctx, testUser, conv.Id))

	msgs, err := store.ListMessages(ctx, testUser.Uid, conv.Id)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestEnsureWelcomeAfterSendAddsNothing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewService(store, &fakeCompleter{answer: "reply"}, 0)
	conv, err := svc.NewConversation(ctx, testUser)
	require.NoError(t, err)

	// a watcher saw the empty snapshot, then the first send landed
	_, err = svc.Send(ctx, testUser, conv.Id, "Hi")
	require.NoError(t, err)
	require.NoError(t, svc.EnsureWelcome(ctx, testUser, conv.Id))

	msgs, err := store.ListMessages(ctx, testUser.Uid, conv.Id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[0].Text)
	assert.Equal(t, "reply", msgs[1].Text)
}

func TestWatchAfterSendAddsNoWelcome(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewService(store, &fakeCompleter{answer: "reply"}, 0)
	conv, err := svc.NewConversation(ctx, testUser)
	require.NoError(t, err)
	_, err = svc.Send(ctx, testUser, conv.Id, "Hi")
	require.NoError(t, err)

	snapshots := make(chan []common.Message, 16)
	sub, err := svc.WatchMessages(ctx, testUser, conv.Id, common.Observer[common.Message]{
		OnSnapshot: func(msgs []common.Message) { snapshots <- msgs },
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case msgs := <-snapshots:
		assert.Len(t, msgs, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}

	msgs, err := store.ListMessages(ctx, testUser.Uid, conv.Id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.NotEqual(t, common.WelcomeText, m.Text)
	}
}

func TestEnsureWelcomeOnDeletedConversation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memstore.New(), &fakeCompleter{}, 0)
	assert.NoError(t, svc.EnsureWelcome(ctx, testUser, "gone"))
}

func TestRenameValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memstore.New(), &fakeCompleter{}, 0)
	conv, err := svc.NewConversation(ctx, testUser)
	require.NoError(t, err)

	assert.Equal(t, common.KindValidation, common.KindOf(svc.Rename(ctx, testUser, conv.Id, "   ")))
	require.NoError(t, svc.Rename(ctx, testUser, conv.Id, "  Trip plans  "))
	got, err := svc.Conversation(ctx, testUser, conv.Id)
	require.NoError(t, err)
	assert.Equal(t, "Trip plans", got.Title)
}

func TestServiceSendUsesOnePipelinePerUser(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memstore.New(), &fakeCompleter{answer: "a"}, 1)
	conv, err := svc.NewConversation(ctx, testUser)
	require.NoError(t, err)

	res, err := svc.Send(ctx, testUser, conv.Id, "Hi")
	require.NoError(t, err)
	require.NotNil(t, res.BotMessage)
	assert.Equal(t, "a", res.BotMessage.Text)
	assert.Equal(t, StateIdle, svc.SendState(testUser))
}

func TestDeleteThenWatchFails(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memstore.New(), &fakeCompleter{}, 0)
	conv, err := svc.NewConversation(ctx, testUser)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, testUser, conv.Id))

	_, err = svc.WatchMessages(ctx, testUser, conv.Id, common.Observer[common.Message]{})
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}
