package contextenrich

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kirogateway/internal/gateway/message"
)

func textMsg(role message.Role, text string) message.Message {
	t := text
	return message.Message{Role: role, Text: &t}
}

func TestPool_SchedulesAndCachesContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	gen := func(ctx context.Context, msgs []message.Message) (string, error) {
		defer close(done)
		return "Go, net/http, backend service", nil
	}
	p := New(ctx, 2, 10, 1, gen)

	p.Schedule("sess1", []message.Message{textMsg(message.RoleUser, "hi")})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generator never ran")
	}

	require.Eventually(t, func() bool {
		v, ok := p.Context("sess1")
		return ok && v == "Go, net/http, backend service"
	}, time.Second, 10*time.Millisecond)
}

func TestPool_LatestWinsDropsDuplicateSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	block := make(chan struct{})
	gen := func(ctx context.Context, msgs []message.Message) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-block
		return "ctx", nil
	}
	p := New(ctx, 1, 10, 1, gen)

	p.Schedule("sess1", nil)
	p.Schedule("sess1", nil)
	p.Schedule("sess1", nil)
	close(block)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestShouldUpdate_TrueOnFirstSightAndOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(ctx, 1, 10, 5, func(ctx context.Context, msgs []message.Message) (string, error) { return "", nil })

	assert.True(t, p.ShouldUpdate("s1", 1))
	assert.False(t, p.ShouldUpdate("s1", 3))
	assert.True(t, p.ShouldUpdate("s1", 6))
}

func TestInject_WrapsLastUserMessage(t *testing.T) {
	msgs := []message.Message{
		textMsg(message.RoleUser, "first"),
		textMsg(message.RoleAssistant, "reply"),
		textMsg(message.RoleUser, "second"),
	}
	out := Inject(msgs, "Go backend")
	assert.Contains(t, out[2].PlainText(), "<project_context>")
	assert.Contains(t, out[2].PlainText(), "Go backend")
	assert.Contains(t, out[2].PlainText(), "second")
	assert.Equal(t, "first", out[0].PlainText())
}

func TestInject_NoOpWithoutContext(t *testing.T) {
	msgs := []message.Message{textMsg(message.RoleUser, "hi")}
	out := Inject(msgs, "")
	assert.Equal(t, msgs, out)
}

func TestInject_NoOpWithoutUserMessage(t *testing.T) {
	msgs := []message.Message{textMsg(message.RoleAssistant, "hi")}
	out := Inject(msgs, "ctx")
	assert.Equal(t, msgs, out)
}
