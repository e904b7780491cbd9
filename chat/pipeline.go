package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"chatrelay/common"
	"chatrelay/log"
	"chatrelay/metrics"

	lru "github.com/hashicorp/golang-lru"
)

const (
	ContextWindowSize = 6
	MaxTitleLength    = 30
)

type SendState int32

const (
	StateIdle SendState = iota
	StateSending
	StateAwaitingCompletion
	StatePersisting
)

func (s SendState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StatePersisting:
		return "persisting"
	}
	return "unknown"
}

type SendResult struct {
	UserMessage *common.Message `json:"userMessage"`
	BotMessage  *common.Message `json:"botMessage"`
	Title       string          `json:"title,omitempty"`
}

// Pipeline runs one turn at a time. A Send arriving while another is in
// flight is dropped, not queued.
type Pipeline struct {
	store     Store
	completer Completer
	// handling is shared by all pipelines and bounds concurrent completions.
	handling chan struct{}
	busy     atomic.Bool
	state    atomic.Int32
}

func NewPipeline(store Store, completer Completer, handling chan struct{}) *Pipeline {
	return &Pipeline{store: store, completer: completer, handling: handling}
}

func (p *Pipeline) State() SendState {
	return SendState(p.state.Load())
}

func (p *Pipeline) setState(s SendState) {
	p.state.Store(int32(s))
}

// DeriveTitle truncates the first user message to MaxTitleLength characters.
func DeriveTitle(text string) string {
	if utf8.RuneCountInString(text) <= MaxTitleLength {
		return text
	}
	return string([]rune(text)[:MaxTitleLength]) + "..."
}

func (p *Pipeline) Send(ctx context.Context, conversationId, userId, text string) (*SendResult, error) {
	const op = "chat.Send"
	text = strings.TrimSpace(text)
	if text == "" {
		metrics.SendsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, common.ValidationError(op, "message is empty")
	}
	if conversationId == "" {
		metrics.SendsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, common.ValidationError(op, "no conversation selected")
	}
	if !p.busy.CompareAndSwap(false, true) {
		metrics.SendsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		log.Debug("send dropped, pipeline busy", "user", userId)
		return nil, common.ErrBusy
	}
	defer p.busy.Store(false)
	defer p.setState(StateIdle)

	if _, err := p.store.GetConversation(ctx, userId, conversationId); err != nil {
		metrics.SendsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, err
	}

	p.setState(StateSending)
	res, err := p.run(ctx, conversationId, userId, text)
	if err != nil {
		metrics.SendsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		log.Warn("send failed", "conversation", conversationId, "error", err.Error())
		res = p.recordFailure(ctx, res, conversationId, userId, err)
		return res, err
	}
	metrics.SendsTotal.WithLabelValues(metrics.ResultOK).Inc()
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, conversationId, userId, text string) (*SendResult, error) {
	res := &SendResult{}
	before, err := p.store.CountMessages(ctx, userId, conversationId)
	if err != nil {
		return res, err
	}
	userMsg, err := p.store.AppendMessage(ctx, userId, conversationId, common.SenderUser, text, common.MessageExtra{})
	if err != nil {
		return res, err
	}
	res.UserMessage = userMsg

	recent, err := p.store.RecentMessages(ctx, userId, conversationId, ContextWindowSize)
	if err != nil {
		return res, err
	}
	if n := len(recent); n > 0 && recent[n-1].Id == userMsg.Id {
		recent = recent[:n-1]
	}

	p.setState(StateAwaitingCompletion)
	answer, err := p.complete(ctx, common.TurnsOf(recent), text)
	if err != nil {
		return res, err
	}

	p.setState(StatePersisting)
	botMsg, err := p.store.AppendMessage(ctx, userId, conversationId, common.SenderBot, answer, common.MessageExtra{})
	if err != nil {
		return res, err
	}
	res.BotMessage = botMsg

	if before <= 1 {
		title := DeriveTitle(text)
		if err := p.store.RenameConversation(ctx, userId, conversationId, title); err != nil {
			return res, err
		}
		res.Title = title
	}
	return res, nil
}

func (p *Pipeline) complete(ctx context.Context, history []common.Turn, text string) (string, error) {
	if p.handling != nil {
		select {
		case p.handling <- struct{}{}:
			defer func() { <-p.handling }()
		case <-ctx.Done():
			return "", common.RemoteError("chat.complete", 0, "cancelled while waiting for a free slot", ctx.Err())
		}
	}
	return p.completer.Complete(ctx, history, text)
}

// recordFailure writes the error-flagged bot message. It outlives a cancelled
// request context so the failure is still recorded in the conversation.
func (p *Pipeline) recordFailure(ctx context.Context, res *SendResult, conversationId, userId string, cause error) *SendResult {
	if res == nil {
		res = &SendResult{}
	}
	text := fmt.Sprintf("Error: %s", common.Describe(cause))
	msg, err := p.store.AppendMessage(context.WithoutCancel(ctx), userId, conversationId, common.SenderBot, text, common.MessageExtra{IsError: true})
	if err != nil {
		log.Error("record send failure", "conversation", conversationId, "error", err.Error())
		return res
	}
	res.BotMessage = msg
	return res
}

// MaxPipelines bounds how many per-user pipelines are kept. The least
// recently used one is dropped first; a busy pipeline is never dropped.
const MaxPipelines = 4096

// PipelineSet keeps one pipeline per user so every send of the same client
// goes through the same busy flag.
type PipelineSet struct {
	store     Store
	completer Completer
	handling  chan struct{}

	mu        sync.Mutex
	pipelines *lru.Cache
	// busy pipelines that fell out of the cache while still sending
	pinned map[string]*Pipeline
}

// NewPipelineSet bounds concurrent completions across users to maxPending (no
// bound when maxPending <= 0).
func NewPipelineSet(store Store, completer Completer, maxPending int) *PipelineSet {
	return newPipelineSet(store, completer, maxPending, MaxPipelines)
}

func newPipelineSet(store Store, completer Completer, maxPending, size int) *PipelineSet {
	var handling chan struct{}
	if maxPending > 0 {
		handling = make(chan struct{}, maxPending)
	}
	set := &PipelineSet{
		store:     store,
		completer: completer,
		handling:  handling,
		pinned:    make(map[string]*Pipeline),
	}
	cache, err := lru.NewWithEvict(size, set.onEvict)
	if err != nil {
		panic(err)
	}
	set.pipelines = cache
	return set
}

// onEvict runs under s.mu, inside Add.
func (s *PipelineSet) onEvict(key interface{}, value interface{}) {
	if p := value.(*Pipeline); p.busy.Load() {
		s.pinned[key.(string)] = p
	}
}

func (s *PipelineSet) For(userId string) *Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.pipelines.Get(userId); ok {
		return v.(*Pipeline)
	}
	p, ok := s.pinned[userId]
	if ok {
		delete(s.pinned, userId)
	} else {
		p = NewPipeline(s.store, s.completer, s.handling)
	}
	s.pipelines.Add(userId, p)
	for id, old := range s.pinned {
		if !old.busy.Load() {
			delete(s.pinned, id)
		}
	}
	return p
}

// Len reports how many pipelines are held.
func (s *PipelineSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipelines.Len() + len(s.pinned)
}
