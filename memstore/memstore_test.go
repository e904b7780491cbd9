package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatrelay/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector[T any] struct {
	mu        sync.Mutex
	snapshots [][]T
	ch        chan []T
}

func newCollector[T any]() *collector[T] {
	return &collector[T]{ch: make(chan []T, 64)}
}

func (c *collector[T]) observer() common.Observer[T] {
	return common.Observer[T]{
		OnSnapshot: func(items []T) {
			c.mu.Lock()
			c.snapshots = append(c.snapshots, items)
			c.mu.Unlock()
			c.ch <- items
		},
	}
}

// waitFor returns the first snapshot satisfying ok.
func (c *collector[T]) waitFor(t *testing.T, ok func([]T) bool) []T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case items := <-c.ch:
			if ok(items) {
				return items
			}
		case <-timeout:
			t.Fatalf("timed out waiting for snapshot")
			return nil
		}
	}
}

func TestConversationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) })

	first, err := s.CreateConversation(ctx, "u1")
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx, "u1")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "u2")
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, second.Id, convs[0].Id)
	assert.Equal(t, first.Id, convs[1].Id)
	assert.Equal(t, common.DefaultConversationTitle, convs[0].Title)
}

func TestOwnershipScoping(t *testing.T) {
	ctx := context.Background()
	s := New()
	conv, err := s.CreateConversation(ctx, "owner")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, "intruder", conv.Id, common.SenderUser, "hi", common.MessageExtra{})
	assert.True(t, common.IsKind(err, common.KindNotFound))
	err = s.RenameConversation(ctx, "intruder", conv.Id, "mine")
	assert.True(t, common.IsKind(err, common.KindNotFound))
	err = s.DeleteConversation(ctx, "intruder", conv.Id)
	assert.True(t, common.IsKind(err, common.KindNotFound))

	msg, err := s.AppendMessage(ctx, "owner", conv.Id, common.SenderUser, "hi", common.MessageExtra{})
	require.NoError(t, err)
	err = s.SetFeedback(ctx, "intruder", msg.Id, common.FeedbackLike)
	assert.True(t, common.IsKind(err, common.KindNotFound))
}

func TestMessagesOrderedBySequence(t *testing.T) {
	ctx := context.Background()
	s := New()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })
	conv, err := s.CreateConversation(ctx, "u")
	require.NoError(t, err)

	for _, text := range []string{"a", "b", "c", "d"} {
		_, err := s.AppendMessage(ctx, "u", conv.Id, common.SenderUser, text, common.MessageExtra{})
		require.NoError(t, err)
	}
	msgs, err := s.ListMessages(ctx, "u", conv.Id)
	require.NoError(t, err)
	texts := []string{}
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, texts)

	recent, err := s.RecentMessages(ctx, "u", conv.Id, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Text)
	assert.Equal(t, "d", recent[1].Text)

	n, err := s.CountMessages(ctx, "u", conv.Id)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	keep, err := s.CreateConversation(ctx, "u")
	require.NoError(t, err)
	drop, err := s.CreateConversation(ctx, "u")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = s.AppendMessage(ctx, "u", drop.Id, common.SenderUser, "x", common.MessageExtra{})
		require.NoError(t, err)
	}
	_, err = s.AppendMessage(ctx, "u", keep.Id, common.SenderUser, "y", common.MessageExtra{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, "u", drop.Id))

	convs, msgs := s.Snapshot()
	require.Len(t, convs, 1)
	assert.Equal(t, keep.Id, convs[0].Id)
	require.Len(t, msgs, 1)
	assert.Equal(t, keep.Id, msgs[0].ConversationId)
}

func TestDeleteIsAtomicForReaders(t *testing.T) {
	ctx := context.Background()
	s := New()
	conv, err := s.CreateConversation(ctx, "u")
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err = s.AppendMessage(ctx, "u", conv.Id, common.SenderUser, "x", common.MessageExtra{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			convs, msgs := s.Snapshot()
			// either everything is there or nothing is
			if len(convs) == 1 {
				assert.Len(t, msgs, 50)
			} else {
				assert.Len(t, msgs, 0)
			}
		}
	}()
	require.NoError(t, s.DeleteConversation(ctx, "u", conv.Id))
	close(stop)
	wg.Wait()
}

func TestInsertWelcomeOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	conv, err := s.CreateConversation(ctx, "u")
	require.NoError(t, err)

	inserted, err := s.InsertWelcome(ctx, "u", conv.Id)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.InsertWelcome(ctx, "u", conv.Id)
	require.NoError(t, err)
	assert.False(t, inserted)

	msgs, err := s.ListMessages(ctx, "u", conv.Id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, common.WelcomeText, msgs[0].Text)
	assert.Equal(t, common.SenderBot, msgs[0].Sender)
}

func TestInsertWelcomeSkipsNonEmptyConversation(t *testing.T) {
	ctx := context.Background()
	s := New()
	conv, err := s.CreateConversation(ctx, "u")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, "u", conv.Id, common.SenderUser, "Hi", common.MessageExtra{})
	require.NoError(t, err)

	inserted, err := s.InsertWelcome(ctx, "u", conv.Id)
	require.NoError(t, err)
	assert.False(t, inserted)

	msgs, err := s.ListMessages(ctx, "u", conv.Id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi", msgs[0].Text)
}

func TestObserveMessagesDeliversSnapshots(t *testing.T) {
	ctx := context.Background()
	s := New()
	conv, err := s.CreateConversation(ctx, "u")
	require.NoError(t, err)

	c := newCollector[common.Message]()
	sub, err := s.ObserveMessages(ctx, "u", conv.Id, c.observer())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	c.waitFor(t, func(m []common.Message) bool { return len(m) == 0 })

	msg, err := s.AppendMessage(ctx, "u", conv.Id, common.SenderUser, "hello", common.MessageExtra{})
	require.NoError(t, err)
	got := c.waitFor(t, func(m []common.Message) bool { return len(m) == 1 })
	assert.Equal(t, "hello", got[0].Text)

	require.NoError(t, s.SetFeedback(ctx, "u", msg.Id, common.FeedbackLike))
	got = c.waitFor(t, func(m []common.Message) bool { return len(m) == 1 && m[0].Feedback == common.FeedbackLike })
	assert.Equal(t, msg.Id, got[0].Id)
}

func TestSetFeedbackSameValueIsSilent(t *testing.T) {
	ctx := context.Background()
	s := New()
	conv, err := s.CreateConversation(ctx, "u")
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, "u", conv.Id, common.SenderBot, "answer", common.MessageExtra{})
	require.NoError(t, err)
	require.NoError(t, s.SetFeedback(ctx, "u", msg.Id, common.FeedbackDislike))

	c := newCollector[common.Message]()
	sub, err := s.ObserveMessages(ctx, "u", conv.Id, c.observer())
	require.NoError(t, err)
	defer sub.Unsubscribe()
	c.waitFor(t, func(m []common.Message) bool { return len(m) == 1 })

	require.NoError(t, s.SetFeedback(ctx, "u", msg.Id, common.FeedbackDislike))
	select {
	case <-c.ch:
		t.Fatal("unexpected snapshot for unchanged feedback")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCollector[common.Conversation]()
	sub, err := s.ObserveConversations(ctx, "u", c.observer())
	require.NoError(t, err)
	c.waitFor(t, func(cs []common.Conversation) bool { return len(cs) == 0 })

	sub.Unsubscribe()
	sub.Unsubscribe()
	_, err = s.CreateConversation(ctx, "u")
	require.NoError(t, err)
	select {
	case <-c.ch:
		t.Fatal("snapshot delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}
