package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"foreign", errors.New("boom"), KindInternal},
		{"configuration", ConfigurationError("op", "no key"), KindConfiguration},
		{"wrapped remote", fmt.Errorf("send: %w", RemoteError("op", 500, "upstream", nil)), KindRemote},
		{"busy", ErrBusy, KindBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorDescription(t *testing.T) {
	err := RemoteError("chatapi.Complete", 429, "Rate limit reached", nil)
	assert.Equal(t, "Rate limit reached (status 429)", err.Description())
	assert.Equal(t, "chatapi.Complete: Rate limit reached (status 429)", err.Error())

	cause := errors.New("connection refused")
	wrapped := StoreWriteError("db.AppendMessage", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "store write failed", wrapped.Description())
	assert.Equal(t, "plain", Describe(errors.New("plain")))
}

func TestParseFeedback(t *testing.T) {
	for in, want := range map[string]Feedback{"like": FeedbackLike, "dislike": FeedbackDislike, "none": FeedbackNone, "": FeedbackNone} {
		got, ok := ParseFeedback(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	_, ok := ParseFeedback("love")
	assert.False(t, ok)
}

func TestAuthErrorMessage(t *testing.T) {
	assert.Equal(t, "Incorrect password.", AuthErrorMessage("auth/wrong-password", "x"))
	assert.Equal(t, "provider says no", AuthErrorMessage("auth/other", "provider says no"))
	assert.Equal(t, "Authentication failed. Please try again.", AuthErrorMessage("", ""))
}
