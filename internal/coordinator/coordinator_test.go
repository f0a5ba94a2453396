package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageanalyzer-mcp-server/internal/analysis"
	"pageanalyzer-mcp-server/internal/bus"
	"pageanalyzer-mcp-server/internal/capture"
	"pageanalyzer-mcp-server/internal/config"
	"pageanalyzer-mcp-server/internal/dispatch"
	"pageanalyzer-mcp-server/internal/provider"
	"pageanalyzer-mcp-server/internal/recorder"
	"pageanalyzer-mcp-server/internal/store"
)

type fakeSurface struct {
	denied bool
	offset int
}

func (s *fakeSurface) CaptureVisibleViewport(ctx context.Context, format string, quality int) ([]byte, error) {
	if s.denied {
		return nil, capture.ErrCaptureDenied
	}
	return []byte{0xff, 0xd8, 0xff}, nil
}

func (s *fakeSurface) ScrollOffset(ctx context.Context) (int, error) { return s.offset, nil }
func (s *fakeSurface) ScrollTo(ctx context.Context, y int) error     { s.offset = y; return nil }
func (s *fakeSurface) Metrics(ctx context.Context) (capture.Metrics, error) {
	return capture.Metrics{DocumentHeight: 1000, ViewportHeight: 1000}, nil
}

type surfaceMap map[string]capture.Surface

func (m surfaceMap) Surface(sessionID string) (capture.Surface, error) {
	s, ok := m[sessionID]
	if !ok {
		return nil, ErrNoSurface
	}
	return s, nil
}

type recordingCaller struct {
	id    string
	delay time.Duration
	mu    *sync.Mutex
	seen  *[]provider.Input
}

func (c recordingCaller) ID() string { return c.id }

func (c recordingCaller) Call(ctx context.Context, in provider.Input) (string, error) {
	time.Sleep(c.delay)
	c.mu.Lock()
	*c.seen = append(*c.seen, in)
	c.mu.Unlock()
	return "answer from " + c.id, nil
}

type harness struct {
	bus      *bus.Bus
	store    *store.MemoryStore
	coord    *Coordinator
	surfaces surfaceMap

	mu       sync.Mutex
	inputs   []provider.Input
	streamed []bus.ProviderResultPayload
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Providers = config.DefaultProviders()[:2]

	h := &harness{bus: bus.New(nil), store: store.NewMemoryStore(), surfaces: surfaceMap{"s1": &fakeSurface{offset: 120}}}
	require.NoError(t, h.store.Set(context.Background(), map[string]any{
		"GEMINI_API_KEY": "secret-gemini",
		"GROQ_API_KEY":   "secret-groq",
	}))

	delays := map[string]time.Duration{"gemini": 40 * time.Millisecond, "groq": 5 * time.Millisecond}
	reg := provider.NewRegistryWithFactory(cfg.Providers, func(p config.ProviderConfig, key string) (provider.Caller, error) {
		return recordingCaller{id: p.ID, delay: delays[p.ID], mu: &h.mu, seen: &h.inputs}, nil
	})

	rec, err := recorder.NewRecorder(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, rec.Start("test"))
	t.Cleanup(func() { _ = rec.Close() })

	h.coord = New(Deps{
		Bus:      h.bus,
		Store:    h.store,
		Config:   cfg,
		Engine:   dispatch.NewEngine(reg, cfg.Dispatch, nil),
		Capture:  capture.NewController(cfg.Capture, capture.NewGate(), capture.WithSleep(func(time.Duration) {})),
		Surfaces: h.surfaces,
		Recorder: rec,
	})
	ep := h.coord.Start()
	t.Cleanup(ep.Close)

	tab := h.bus.Register(bus.TabAddress("s1"), func(ctx context.Context, msg bus.Message, respond bus.Responder) {
		if msg.Command.Action == bus.ActionProviderResult {
			var p bus.ProviderResultPayload
			if err := msg.Command.Decode(&p); err == nil {
				h.mu.Lock()
				h.streamed = append(h.streamed, p)
				h.mu.Unlock()
			}
		}
		respond(bus.OK(nil))
	})
	t.Cleanup(tab.Close)
	return h
}

func (h *harness) request(t *testing.T, action string, payload any) bus.Response {
	t.Helper()
	cmd, err := bus.NewCommand(action, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := h.bus.Request(ctx, bus.TabAddress("s1"), bus.Background, cmd)
	require.NoError(t, err)
	return resp
}

func TestAnalyzePageDispatchesToEveryProvider(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, bus.ActionAnalyzePage, bus.AnalyzePagePayload{RequestID: "run-1"})
	require.True(t, resp.Success, resp.ErrorMessage)

	var results []analysis.ProviderResult
	require.NoError(t, resp.Decode(&results))
	require.Len(t, results, 2)
	assert.Equal(t, "gemini", results[0].Provider, "final results keep registration order")
	assert.Equal(t, "answer from groq", results[1].Content())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.streamed, 2)
	assert.Equal(t, "groq", h.streamed[0].Result.Provider, "stream follows arrival order")
	assert.Equal(t, "run-1", h.streamed[0].RequestID)
	require.Len(t, h.inputs, 2)
	require.Len(t, h.inputs[0].Media, 1)
	assert.Equal(t, 120, h.inputs[0].Media[0].ViewportOffset)
	assert.NotEmpty(t, h.inputs[0].Prompt, "default quiz prompt applied")

	last, ok := h.coord.LastRun("s1")
	require.True(t, ok)
	assert.Equal(t, "run-1", last.RequestID)
	assert.Empty(t, last.Error)
}

func TestAnalyzePagePreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, map[string]any{store.KeyEnabled: false}))
	resp := h.request(t, bus.ActionAnalyzePage, bus.AnalyzePagePayload{})
	assert.False(t, resp.Success)
	assert.Equal(t, "Extension is disabled. Please enable it in the settings.", resp.ErrorMessage)

	require.NoError(t, h.store.Set(ctx, map[string]any{store.KeyEnabled: true, "GEMINI_API_KEY": nil, "GROQ_API_KEY": nil}))
	resp = h.request(t, bus.ActionAnalyzePage, bus.AnalyzePagePayload{})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, "No provider API key configured")

	h.mu.Lock()
	assert.Empty(t, h.inputs, "no provider is called when preconditions fail")
	h.mu.Unlock()
}

func TestAnalyzePageCaptureDenied(t *testing.T) {
	h := newHarness(t)
	h.surfaces["s1"] = &fakeSurface{denied: true}

	resp := h.request(t, bus.ActionAnalyzePage, bus.AnalyzePagePayload{})
	assert.False(t, resp.Success)
	assert.Equal(t, "Cannot capture this page. It might be a restricted browser page.", resp.ErrorMessage)
}

func TestAnalyzeMultiForwardsFramesAndText(t *testing.T) {
	h := newHarness(t)
	frame := analysis.CaptureFrame{ImageData: []byte{1, 2, 3}, MimeType: "image/jpeg"}

	resp := h.request(t, bus.ActionAnalyzePageMulti, bus.AnalyzeMultiPayload{
		Screenshots: []string{frame.DataURL(), "garbage", frame.DataURL()},
		Offsets:     []int{0, 800, 1600},
		PageText:    "Two Sum",
	})
	require.True(t, resp.Success, resp.ErrorMessage)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.inputs)
	in := h.inputs[0]
	require.Len(t, in.Media, 2, "undecodable frames are skipped")
	assert.Equal(t, 1600, in.Media[1].ViewportOffset)
	assert.Equal(t, "Two Sum", in.Text)
}

func TestAnalyzeMultiWithoutFramesFails(t *testing.T) {
	h := newHarness(t)
	resp := h.request(t, bus.ActionAnalyzePageMulti, bus.AnalyzeMultiPayload{PageText: "text"})
	assert.False(t, resp.Success)
	assert.Equal(t, "No screenshots captured.", resp.ErrorMessage)
}

func TestAnalyzeSelection(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, bus.ActionAnalyzeSelection, bus.AnalyzeSelectionPayload{Text: "   "})
	assert.False(t, resp.Success)
	assert.Equal(t, "No text selected.", resp.ErrorMessage)

	resp = h.request(t, bus.ActionAnalyzeSelection, bus.AnalyzeSelectionPayload{Text: " what is 2+2 "})
	require.True(t, resp.Success, resp.ErrorMessage)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.inputs)
	assert.Equal(t, "what is 2+2", h.inputs[0].Text)
	assert.Empty(t, h.inputs[0].Media)
}

func TestSameRequestIDFromTwoTabsStreamsSeparately(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var other []bus.ProviderResultPayload
	tab := h.bus.Register(bus.TabAddress("s2"), func(ctx context.Context, msg bus.Message, respond bus.Responder) {
		if msg.Command.Action == bus.ActionProviderResult {
			var p bus.ProviderResultPayload
			if err := msg.Command.Decode(&p); err == nil {
				mu.Lock()
				other = append(other, p)
				mu.Unlock()
			}
		}
		respond(bus.OK(nil))
	})
	defer tab.Close()

	payload := bus.AnalyzeSelectionPayload{RequestID: "shared", Text: "what is 2+2"}
	var wg sync.WaitGroup
	for _, from := range []bus.Address{bus.TabAddress("s1"), bus.TabAddress("s2")} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd, err := bus.NewCommand(bus.ActionAnalyzeSelection, payload)
			if !assert.NoError(t, err) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			resp, err := h.bus.Request(ctx, from, bus.Background, cmd)
			if assert.NoError(t, err) {
				assert.True(t, resp.Success, resp.ErrorMessage)
			}
		}()
	}
	wg.Wait()

	h.mu.Lock()
	assert.Len(t, h.streamed, 2, "first tab gets only its own results")
	h.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, other, 2, "second tab gets only its own results")
	for _, p := range other {
		assert.Equal(t, "shared", p.RequestID)
	}
}

func TestGetConfigNeverExposesKeys(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, bus.ActionGetConfig, nil)
	require.True(t, resp.Success)
	assert.NotContains(t, string(resp.Data), "secret")

	var view bus.ConfigView
	require.NoError(t, resp.Decode(&view))
	assert.True(t, view.Enabled)
	assert.True(t, view.AutoCapture)
	assert.Equal(t, "quiz", view.Mode)
	assert.Equal(t, []string{"gemini", "groq"}, view.Providers)
}

func TestCaptureViewport(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, bus.ActionCaptureViewport, nil)
	require.True(t, resp.Success, resp.ErrorMessage)
	var shot bus.CaptureResult
	require.NoError(t, resp.Decode(&shot))
	frame, err := analysis.ParseDataURL(shot.DataURL, shot.Offset)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, frame.ImageData)
	assert.Equal(t, 120, shot.Offset)

	delete(h.surfaces, "s1")
	resp = h.request(t, bus.ActionCaptureViewport, nil)
	assert.False(t, resp.Success)
}

func TestUnknownAction(t *testing.T) {
	h := newHarness(t)
	resp := h.request(t, "DANCE", nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, "DANCE")
}
