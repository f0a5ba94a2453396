package panel

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Attributes the View uses to route clicks back to the renderer.
const (
	attrAction = "data-action"
	attrTab    = "data-tab"
)

func element(a atom.Atom, class string, attrs ...html.Attribute) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: a.String(), DataAtom: a}
	if class != "" {
		n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: class})
	}
	n.Attr = append(n.Attr, attrs...)
	return n
}

func attr(key, val string) html.Attribute {
	return html.Attribute{Key: key, Val: val}
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func appendChildren(parent *html.Node, children ...*html.Node) *html.Node {
	for _, c := range children {
		parent.AppendChild(c)
	}
	return parent
}

func classes(names ...string) string {
	var out []string
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return strings.Join(out, " ")
}

func when(cond bool, class string) string {
	if cond {
		return class
	}
	return ""
}

// renderMarkup builds the shadow root contents for s. Text is always escaped.
func renderMarkup(s State) (string, error) {
	style := appendChildren(element(atom.Style, ""), textNode(stylesheet))

	header := appendChildren(element(atom.Div, "sidebar-header", attr(attrAction, EventToggle)),
		appendChildren(element(atom.Span, ""), textNode("AI Analyzer")),
		appendChildren(element(atom.Button, "close-btn", attr("title", "Close"), attr(attrAction, EventClose)), textNode("×")),
	)

	sidebar := appendChildren(element(atom.Div, classes("sidebar", when(s.Expanded, "open"))), header)

	if s.Manual {
		label := "Analyze"
		if s.Loading {
			label = "Analyzing..."
		}
		button := element(atom.Button, "trigger-btn", attr(attrAction, EventTrigger))
		if s.Loading {
			button.Attr = append(button.Attr, attr("disabled", ""))
		}
		sidebar.AppendChild(appendChildren(element(atom.Div, "trigger-bar"), appendChildren(button, textNode(label))))
	}

	tabs := element(atom.Div, "tabs")
	contents := element(atom.Div, "content-container")
	for _, t := range s.Tabs {
		active := t.ID == s.Active
		tab := element(atom.Div,
			classes("tab", when(active, "active"), when(t.Status == StatusError, "error"), when(t.Status == StatusPending, "loading")),
			attr(attrAction, EventSelect), attr(attrTab, t.ID))
		tabs.AppendChild(appendChildren(tab, textNode(t.Label)))

		content := element(atom.Div, classes("tab-content", when(active, "active")), attr(attrTab, t.ID))
		switch t.Status {
		case StatusError:
			msg := t.Content
			if t.ID != ErrorTabID {
				msg = "Error: " + msg
			}
			content.AppendChild(appendChildren(element(atom.Span, "error-text"), textNode(msg)))
		case StatusPending:
			content.AppendChild(appendChildren(element(atom.Span, "loading-text"), textNode("Analyzing...")))
		default:
			content.AppendChild(textNode(t.Content))
		}
		contents.AppendChild(content)
	}
	if len(s.Tabs) == 0 && s.Loading {
		contents.AppendChild(appendChildren(element(atom.Div, "tab-content active"),
			appendChildren(element(atom.Span, "loading-text"), textNode("Analyzing page..."))))
	}
	appendChildren(sidebar, tabs, contents)

	icon := element(atom.Div, "handle-icon")
	if s.Expanded {
		icon.Attr = append(icon.Attr, attr("style", "transform: rotate(180deg)"))
	}
	handle := appendChildren(element(atom.Div,
		classes("toggle-handle", when(s.Loading, "loading"), when(s.Expanded, "sidebar-open")),
		attr("title", "View Details"), attr(attrAction, EventToggle)), icon)

	var b strings.Builder
	for _, n := range []*html.Node{style, sidebar, handle} {
		if err := html.Render(&b, n); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

const stylesheet = `
:host {
  --sidebar-width: 350px;
  --bg-color: #ffffff;
  --header-bg: #2c3e50;
  --border-color: #dcdcdc;
  --text-color: #333333;
  --font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
}
.toggle-handle {
  position: fixed; top: 50%; right: 0; transform: translateY(-50%);
  width: 16px; height: 40px;
  background: #eeeeee; border: 1px solid var(--border-color); border-right: none;
  border-radius: 4px 0 0 4px; cursor: pointer; z-index: 2147483646;
  display: flex; align-items: center; justify-content: center;
  box-shadow: -2px 1px 4px rgba(0,0,0,0.05);
  transition: right 0.3s cubic-bezier(0.25, 0.8, 0.25, 1), background 0.2s;
}
.toggle-handle:hover { background: #e0e0e0; }
.handle-icon {
  width: 0; height: 0;
  border-top: 4px solid transparent; border-bottom: 4px solid transparent; border-right: 5px solid #666;
  transition: transform 0.3s;
}
.toggle-handle.loading .handle-icon { opacity: 0.5; animation: pulse 1s infinite alternate; }
@keyframes pulse { from { opacity: 0.3; } to { opacity: 0.8; } }
.sidebar {
  position: fixed; top: 50%; transform: translateY(-50%);
  right: calc(var(--sidebar-width) * -1.1); width: var(--sidebar-width); max-height: 80vh;
  background: var(--bg-color); border: 1px solid var(--border-color); border-right: none;
  border-radius: 8px 0 0 8px; box-shadow: -5px 0 15px rgba(0,0,0,0.1); z-index: 2147483647;
  transition: right 0.3s cubic-bezier(0.25, 0.8, 0.25, 1);
  display: flex; flex-direction: column; font-family: var(--font-family); box-sizing: border-box;
}
.sidebar.open { right: 0; }
.toggle-handle.sidebar-open { right: var(--sidebar-width); border-right: 1px solid var(--border-color); }
.sidebar-header {
  padding: 12px 14px; background: var(--header-bg); border-bottom: 1px solid var(--border-color);
  border-radius: 8px 0 0 0; display: flex; justify-content: space-between; align-items: center;
  font-size: 13px; font-weight: 600; color: white; text-transform: uppercase; letter-spacing: 0.5px;
  cursor: pointer;
}
.close-btn { background: none; border: none; font-size: 20px; line-height: 1; color: white; cursor: pointer; padding: 0 4px; opacity: 0.8; }
.close-btn:hover { opacity: 1; }
.trigger-bar { padding: 8px 14px; border-bottom: 1px solid var(--border-color); }
.trigger-btn { width: 100%; padding: 6px; font-size: 12px; cursor: pointer; }
.tabs { display: flex; background: #f5f5f5; border-bottom: 1px solid var(--border-color); overflow-x: auto; }
.tab {
  padding: 10px 15px; cursor: pointer; font-size: 12px; font-weight: 500; color: #666;
  border-bottom: 2px solid transparent; transition: all 0.2s; white-space: nowrap; flex-shrink: 0;
}
.tab:hover { background: #e8e8e8; color: #333; }
.tab.active { color: #007bff; border-bottom-color: #007bff; background: white; }
.tab.error { color: #dc3545; }
.tab.loading { color: #999; }
.content-container { flex: 1; overflow: hidden; display: flex; flex-direction: column; }
.tab-content {
  display: none; padding: 15px; overflow-y: auto; font-size: 13px; line-height: 1.6;
  color: var(--text-color); white-space: pre-wrap; flex: 1;
}
.tab-content.active { display: block; }
.loading-text { color: #888; font-style: italic; font-size: 12px; }
.error-text { color: #d32f2f; font-size: 12px; line-height: 1.5; }
`
