package panel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

type recordingView struct {
	mu        sync.Mutex
	renders   []string
	unmounted int
}

func (v *recordingView) Render(ctx context.Context, markup string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.renders = append(v.renders, markup)
	return nil
}

func (v *recordingView) Unmount(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.unmounted++
	return nil
}

func (v *recordingView) last() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.renders) == 0 {
		return ""
	}
	return v.renders[len(v.renders)-1]
}

func strPtr(s string) *string { return &s }

func newRenderer(t *testing.T) (*Renderer, *recordingView) {
	t.Helper()
	view := &recordingView{}
	r := NewRenderer(view, map[string]string{"gemini": "Gemini", "groq": "Groq"}, nil)
	require.NoError(t, r.Mount(context.Background(), false))
	return r, view
}

func TestTabsCreatedInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	r, _ := newRenderer(t)
	require.NoError(t, r.Begin(ctx, "run-1"))

	require.NoError(t, r.Apply(ctx, "run-1", Result{Provider: "groq", Text: strPtr("fast")}))
	require.NoError(t, r.Apply(ctx, "run-1", Result{Provider: "gemini", Error: strPtr("RateLimited: slow")}))

	s := r.Snapshot()
	require.Len(t, s.Tabs, 2)
	assert.Equal(t, "groq", s.Tabs[0].ID)
	assert.Equal(t, "⚡ Groq", s.Tabs[0].Label)
	assert.Equal(t, StatusSuccess, s.Tabs[0].Status)
	assert.Equal(t, StatusError, s.Tabs[1].Status)
	assert.Equal(t, "groq", s.Active, "first arriving tab is auto-selected")
}

func TestCompleteUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	r, _ := newRenderer(t)
	require.NoError(t, r.Begin(ctx, "run-1"))
	require.NoError(t, r.Apply(ctx, "run-1", Result{Provider: "groq", Text: strPtr("draft")}))

	err := r.Complete(ctx, "run-1", []Result{
		{Provider: "gemini", Text: strPtr("42")},
		{Provider: "groq", Text: strPtr("final")},
	}, "")
	require.NoError(t, err)

	s := r.Snapshot()
	require.Len(t, s.Tabs, 2)
	assert.Equal(t, "groq", s.Tabs[0].ID)
	assert.Equal(t, "final", s.Tabs[0].Content)
	assert.Equal(t, "42", s.Tabs[1].Content)
	assert.False(t, s.Loading)
	assert.True(t, s.Finalized)

	require.NoError(t, r.Apply(ctx, "run-1", Result{Provider: "late", Text: strPtr("x")}))
	assert.Len(t, r.Snapshot().Tabs, 2, "results after completion are ignored")
}

func TestRequestErrorShowsSingleErrorTab(t *testing.T) {
	ctx := context.Background()
	r, view := newRenderer(t)
	require.NoError(t, r.Begin(ctx, "run-1"))
	require.NoError(t, r.Apply(ctx, "run-1", Result{Provider: "groq", Text: strPtr("partial")}))

	require.NoError(t, r.Complete(ctx, "run-1", nil, "Request timed out."))

	s := r.Snapshot()
	require.Len(t, s.Tabs, 1)
	assert.Equal(t, ErrorTabID, s.Tabs[0].ID)
	assert.Equal(t, "Error", s.Tabs[0].Label)
	assert.Equal(t, ErrorTabID, s.Active)
	assert.Contains(t, view.last(), `<span class="error-text">Request timed out.</span>`)
}

func TestStaleRunIgnored(t *testing.T) {
	ctx := context.Background()
	r, _ := newRenderer(t)
	require.NoError(t, r.Begin(ctx, "run-2"))
	require.NoError(t, r.Apply(ctx, "run-1", Result{Provider: "groq", Text: strPtr("old")}))
	require.NoError(t, r.Complete(ctx, "run-1", nil, "old failure"))
	assert.Empty(t, r.Snapshot().Tabs)
}

func TestToggleIsSerialized(t *testing.T) {
	ctx := context.Background()
	r, view := newRenderer(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Toggle(ctx)
		}()
	}
	wg.Wait()
	assert.False(t, r.Snapshot().Expanded, "even number of toggles ends collapsed")

	require.NoError(t, r.SetExpanded(ctx, true))
	before := len(view.renders)
	require.NoError(t, r.SetExpanded(ctx, true))
	require.NoError(t, r.SetExpanded(ctx, true))
	assert.Equal(t, before, len(view.renders), "repeated expand does not stack")
	assert.Equal(t, 1, strings.Count(view.last(), `class="sidebar open"`))
	assert.Contains(t, view.last(), "sidebar-open")
}

func TestMarkupEscapesContent(t *testing.T) {
	ctx := context.Background()
	r, view := newRenderer(t)
	require.NoError(t, r.Begin(ctx, "run-1"))
	require.NoError(t, r.Complete(ctx, "run-1", []Result{{Provider: "gemini", Text: strPtr("<script>alert(1)</script>")}}, ""))

	markup := view.last()
	assert.NotContains(t, markup, "<script>")
	assert.Contains(t, markup, "&lt;script&gt;")

	_, err := html.Parse(strings.NewReader(markup))
	require.NoError(t, err)
}

func TestProviderErrorContentPrefixed(t *testing.T) {
	ctx := context.Background()
	r, view := newRenderer(t)
	require.NoError(t, r.Begin(ctx, "run-1"))
	require.NoError(t, r.Complete(ctx, "run-1", []Result{{Provider: "groq", Error: strPtr("AuthError: bad key")}}, ""))
	assert.Contains(t, view.last(), `<span class="error-text">Error: AuthError: bad key</span>`)
	assert.Contains(t, view.last(), `class="tab active error"`)
}

func TestManualTriggerButton(t *testing.T) {
	ctx := context.Background()
	view := &recordingView{}
	r := NewRenderer(view, nil, nil)

	fired := make(chan struct{}, 1)
	r.OnTrigger(func() { fired <- struct{}{} })
	require.NoError(t, r.Mount(ctx, true))
	assert.Contains(t, view.last(), `data-action="trigger"`)
	assert.False(t, r.Snapshot().Loading)

	require.NoError(t, r.HandleEvent(ctx, Event{Action: EventTrigger}))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("trigger callback not called")
	}
}

func TestHandleEvents(t *testing.T) {
	ctx := context.Background()
	r, view := newRenderer(t)
	require.NoError(t, r.Begin(ctx, "run-1"))
	require.NoError(t, r.Complete(ctx, "run-1", []Result{
		{Provider: "gemini", Text: strPtr("a")},
		{Provider: "groq", Text: strPtr("b")},
	}, ""))

	require.NoError(t, r.HandleEvent(ctx, Event{Action: EventSelect, Tab: "groq"}))
	assert.Equal(t, "groq", r.Snapshot().Active)
	require.NoError(t, r.HandleEvent(ctx, Event{Action: EventSelect, Tab: "missing"}))
	assert.Equal(t, "groq", r.Snapshot().Active)

	require.NoError(t, r.HandleEvent(ctx, Event{Action: EventToggle}))
	assert.True(t, r.Snapshot().Expanded)

	require.NoError(t, r.HandleEvent(ctx, Event{Action: EventClose}))
	require.NoError(t, r.HandleEvent(ctx, Event{Action: EventClose}))
	assert.Equal(t, 1, view.unmounted)
	assert.True(t, r.Snapshot().Closed)

	assert.Error(t, r.HandleEvent(ctx, Event{Action: "dance"}))
}

func TestRenderSkippedBeforeMount(t *testing.T) {
	view := &recordingView{}
	r := NewRenderer(view, nil, nil)
	require.NoError(t, r.Fail(context.Background(), "No provider API key configured."))
	assert.Empty(t, view.renders)

	markup, err := r.Markup()
	require.NoError(t, err)
	assert.Contains(t, markup, "No provider API key configured.")
}
