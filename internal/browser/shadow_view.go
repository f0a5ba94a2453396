package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"pageanalyzer-mcp-server/internal/panel"
)

const (
	panelHostID    = "pageanalyzer-panel-host"
	panelBinding   = "__pageAnalyzerPanelEvent"
	panelRootToken = "pageanalyzer.root"
)

// renderJS mounts a closed shadow root on first use and replaces its contents on every
// call. Clicks on [data-action] elements are reported through the exposed binding.
const renderJS = `(hostID, markup, binding, token) => {
	const key = Symbol.for(token);
	let host = document.getElementById(hostID);
	if (!host) {
		host = document.createElement('div');
		host.id = hostID;
		host.style.all = 'initial';
		(document.body || document.documentElement).appendChild(host);
	}
	let root = host[key];
	if (!root) {
		root = host.attachShadow({ mode: 'closed' });
		Object.defineProperty(host, key, { value: root });
		root.addEventListener('click', (ev) => {
			const el = ev.target && ev.target.closest ? ev.target.closest('[data-action]') : null;
			if (!el || el.disabled) return;
			ev.stopPropagation();
			const fn = window[binding];
			if (typeof fn === 'function') {
				fn({ action: el.getAttribute('data-action') || '', tab: el.getAttribute('data-tab') || '' });
			}
		});
	}
	root.innerHTML = markup;
	return true;
}`

const unmountJS = `(hostID) => {
	const host = document.getElementById(hostID);
	if (host) host.remove();
	return true;
}`

// ShadowView renders the panel into a closed shadow root so page styles cannot reach it.
type ShadowView struct {
	page   *rod.Page
	logger *slog.Logger

	mu      sync.Mutex
	stop    func() error
	onEvent func(context.Context, panel.Event)
}

func NewShadowView(page *rod.Page, logger *slog.Logger) *ShadowView {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShadowView{page: page, logger: logger}
}

// OnEvent sets the receiver of panel clicks.
func (v *ShadowView) OnEvent(fn func(context.Context, panel.Event)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onEvent = fn
}

func (v *ShadowView) Render(ctx context.Context, markup string) error {
	if err := v.expose(); err != nil {
		return err
	}
	if _, err := v.page.Context(ctx).Eval(renderJS, panelHostID, markup, panelBinding, panelRootToken); err != nil {
		return fmt.Errorf("render panel: %w", err)
	}
	return nil
}

func (v *ShadowView) Unmount(ctx context.Context) error {
	v.mu.Lock()
	stop := v.stop
	v.stop = nil
	v.mu.Unlock()

	if stop != nil {
		if err := stop(); err != nil {
			v.logger.Debug("remove panel binding failed", "error", err)
		}
	}
	if _, err := v.page.Context(ctx).Eval(unmountJS, panelHostID); err != nil {
		return fmt.Errorf("unmount panel: %w", err)
	}
	return nil
}

func (v *ShadowView) expose() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stop != nil {
		return nil
	}
	stop, err := v.page.Expose(panelBinding, v.dispatch)
	if err != nil {
		return fmt.Errorf("expose panel binding: %w", err)
	}
	v.stop = stop
	return nil
}

func (v *ShadowView) dispatch(payload gson.JSON) (interface{}, error) {
	ev := decodePanelEvent(payload)
	v.mu.Lock()
	fn := v.onEvent
	v.mu.Unlock()
	if fn != nil && ev.Action != "" {
		go fn(context.Background(), ev)
	}
	return nil, nil
}

func decodePanelEvent(payload gson.JSON) panel.Event {
	str := func(key string) string {
		v := payload.Get(key)
		if v.Nil() {
			return ""
		}
		return v.Str()
	}
	return panel.Event{Action: str("action"), Tab: str("tab")}
}
