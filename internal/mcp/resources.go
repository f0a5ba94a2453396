package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"pageanalyzer-mcp-server/internal/analysis"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
	aboutURI         = "pageanalyzer://about"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			aboutURI,
			"Page Analyzer About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, analysis modes and the registered AI providers."),
		),
		s.handleAboutResource,
	)
}

func (s *Server) aboutPayload() map[string]interface{} {
	providers := make([]map[string]interface{}, 0, len(s.cfg.Providers))
	for _, p := range s.cfg.Providers {
		providers = append(providers, map[string]interface{}{
			"id":             p.ID,
			"name":           p.DisplayName,
			"shape":          p.Shape,
			"credential_key": p.CredentialKey,
		})
	}
	agents := tabSessions(s.bus)
	sort.Strings(agents)

	return map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"modes": []analysis.Mode{
			analysis.ModeQuiz,
			analysis.ModeCoding,
			analysis.ModeSelection,
		},
		"providers":     providers,
		"active_agents": agents,
		"notes": []string{
			"Settings changes reach open pages through MODE_CHANGED; each agent re-reads them on reload.",
			"Credential values are never returned; get-settings reports only whether a key is set.",
			"Quiz mode captures automatically unless QUIZ_AUTO_CAPTURE is false; other modes wait for trigger-analysis.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(s.aboutPayload())
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
