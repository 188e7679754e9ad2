package notificator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockspeak/orchestrator/pkg/logger"
)

type recordingChannel struct {
	name     string
	err      error
	panics   bool
	messages []string
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Send(_ context.Context, message string) error {
	if r.panics {
		panic("channel exploded")
	}
	r.messages = append(r.messages, message)
	return r.err
}

func TestNotify_FansOutAndSurvivesFailures(t *testing.T) {
	failing := &recordingChannel{name: "failing", err: errors.New("down")}
	panicking := &recordingChannel{name: "panicking", panics: true}
	ok := &recordingChannel{name: "ok"}

	n := NewNotificator(logger.NewNop(), failing, panicking, ok)
	assert.NotPanics(t, func() { n.Notify(context.Background(), "deploy outcome unknown") })

	assert.Equal(t, []string{"deploy outcome unknown"}, failing.messages)
	assert.Equal(t, []string{"deploy outcome unknown"}, ok.messages)
}

func TestTelegramNotificator_Send(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		body = string(raw)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegramNotificator(logger.NewNop(), "123:abc", "42", bot.WithServerURL(srv.URL))
	require.NoError(t, err)

	require.NoError(t, tg.Send(context.Background(), "payment task stuck"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasSuffix(paths[0], "/sendMessage"))
	assert.Contains(t, body, "payment task stuck")
}

func TestTelegramNotificator_RequiresChat(t *testing.T) {
	tg, err := NewTelegramNotificator(logger.NewNop(), "123:abc", "")
	require.NoError(t, err)
	assert.Error(t, tg.Send(context.Background(), "x"))
}
