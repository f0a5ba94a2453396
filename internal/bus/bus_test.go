package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type analyzePayload struct {
	Prompt string `json:"prompt"`
}

func TestCommandWireShape(t *testing.T) {
	cmd, err := NewCommand(ActionAnalyzePage, analyzePayload{Prompt: "hi"})
	require.NoError(t, err)

	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"ANALYZE_PAGE","prompt":"hi"}`, string(raw))

	var back Command
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, ActionAnalyzePage, back.Action)
	var p analyzePayload
	require.NoError(t, back.Decode(&p))
	assert.Equal(t, "hi", p.Prompt)
}

func TestCommandWithoutPayload(t *testing.T) {
	cmd, err := NewCommand(ActionGetConfig, nil)
	require.NoError(t, err)
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"GET_CONFIG"}`, string(raw))

	var back Command
	require.Error(t, json.Unmarshal([]byte(`{"prompt":"x"}`), &back))
}

func TestResponseWireShape(t *testing.T) {
	raw, err := json.Marshal(Fail("No text selected."))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"errorMessage":"No text selected."}`, string(raw))

	raw, err = json.Marshal(OK(map[string]int{"n": 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{"n":1}}`, string(raw))
}

func TestRequestResponse(t *testing.T) {
	b := New(nil)
	var gotFrom Address
	b.Register(Background, func(ctx context.Context, msg Message, respond Responder) {
		gotFrom = msg.From
		var p analyzePayload
		if err := msg.Command.Decode(&p); err != nil {
			respond(Fail(err.Error()))
			return
		}
		respond(OK(map[string]string{"echo": p.Prompt}))
		respond(Fail("second answer is ignored"))
	})

	cmd, _ := NewCommand(ActionAnalyzePage, analyzePayload{Prompt: "ping"})
	resp, err := b.Request(context.Background(), TabAddress("s1"), Background, cmd)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	var data map[string]string
	require.NoError(t, resp.Decode(&data))
	assert.Equal(t, "ping", data["echo"])
	assert.Equal(t, TabAddress("s1"), gotFrom)
}

func TestRequestAsyncResponder(t *testing.T) {
	b := New(nil)
	b.Register(Background, func(ctx context.Context, msg Message, respond Responder) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			respond(OK("later"))
		}()
	})

	resp, err := b.Request(context.Background(), Options, Background, Command{Action: ActionGetConfig})
	require.NoError(t, err)
	var s string
	require.NoError(t, resp.Decode(&s))
	assert.Equal(t, "later", s)
}

func TestRequestMissingEndpoint(t *testing.T) {
	b := New(nil)
	_, err := b.Request(context.Background(), Options, Background, Command{Action: ActionGetConfig})
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestRequestEndpointTornDown(t *testing.T) {
	b := New(nil)
	started := make(chan struct{})
	ep := b.Register(TabAddress("s1"), func(ctx context.Context, msg Message, respond Responder) {
		close(started)
		<-ctx.Done()
	})

	go func() {
		<-started
		ep.Close()
	}()

	_, err := b.Request(context.Background(), Background, TabAddress("s1"), Command{Action: ActionGetPanel})
	assert.ErrorIs(t, err, ErrConnectionLost)

	_, err = b.Request(context.Background(), Background, TabAddress("s1"), Command{Action: ActionGetPanel})
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestRequestLocalTimeout(t *testing.T) {
	b := New(nil)
	b.Register(Background, func(ctx context.Context, msg Message, respond Responder) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Request(ctx, Options, Background, Command{Action: ActionGetConfig})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	b := New(nil)
	b.Register(Background, func(ctx context.Context, msg Message, respond Responder) {
		panic("bad handler")
	})

	resp, err := b.Request(context.Background(), Options, Background, Command{Action: ActionGetConfig})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, "bad handler")
}

func TestBroadcastTabs(t *testing.T) {
	b := New(nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	got := map[Address]string{}

	for _, id := range []string{"a", "b"} {
		addr := TabAddress(id)
		wg.Add(1)
		b.Register(addr, func(ctx context.Context, msg Message, respond Responder) {
			defer wg.Done()
			mu.Lock()
			got[addr] = msg.Command.Action
			mu.Unlock()
		})
	}
	b.Register(Background, func(ctx context.Context, msg Message, respond Responder) {
		t.Error("background must not receive tab broadcasts")
	})

	n, err := b.BroadcastTabs(Options, Command{Action: ActionModeChanged})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	wg.Wait()
	assert.Equal(t, ActionModeChanged, got[TabAddress("a")])
	assert.Equal(t, ActionModeChanged, got[TabAddress("b")])
}

func TestRegisterReplacesEndpoint(t *testing.T) {
	b := New(nil)
	first := b.Register(Background, func(ctx context.Context, msg Message, respond Responder) { respond(OK("first")) })
	b.Register(Background, func(ctx context.Context, msg Message, respond Responder) { respond(OK("second")) })

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced endpoint should be torn down")
	}

	resp, err := b.Request(context.Background(), Options, Background, Command{Action: ActionGetConfig})
	require.NoError(t, err)
	var s string
	require.NoError(t, resp.Decode(&s))
	assert.Equal(t, "second", s)

	first.Close()
	assert.Len(t, b.Addresses(), 1, "closing a replaced endpoint must not remove its successor")
}

func TestAddressSessionID(t *testing.T) {
	id, ok := TabAddress("xyz").SessionID()
	assert.True(t, ok)
	assert.Equal(t, "xyz", id)
	_, ok = Background.SessionID()
	assert.False(t, ok)
}
