package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level analyzer config.
	WorkspaceDirName = ".pageanalyzer"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// Provider shapes understood by internal/provider.
const (
	ShapeGemini      = "gemini"
	ShapeOpenAI      = "openai"
	ShapeHuggingFace = "huggingface"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the page analyzer server.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Browser   BrowserConfig    `yaml:"browser"`
	MCP       MCPConfig        `yaml:"mcp"`
	Store     StoreConfig      `yaml:"store"`
	Capture   CaptureConfig    `yaml:"capture"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Agent     AgentConfig      `yaml:"agent"`
	Recorder  RecorderConfig   `yaml:"recorder"`
	Providers []ProviderConfig `yaml:"providers"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Optional path to persist page session metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// Pages opened at startup once the browser is connected.
	StartURLs      []string `yaml:"start_urls"`
	ViewportWidth  int      `yaml:"viewport_width"`
	ViewportHeight int      `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// StoreConfig locates the key-value settings store (enabled flag, mode, credentials).
type StoreConfig struct {
	// Path of the JSON settings file. Empty keeps settings in memory only.
	Path string `yaml:"path"`
}

// CaptureConfig tunes the viewport capture state machine.
type CaptureConfig struct {
	MaxCaptures  int    `yaml:"max_captures"`
	SettleDelay  string `yaml:"settle_delay"`
	Format       string `yaml:"format"`
	Quality      int    `yaml:"quality"`
	MaxTextChars int    `yaml:"max_text_chars"`
}

// DispatchConfig holds the request-wide timeouts raced against the provider join.
type DispatchConfig struct {
	SingleFrameTimeout string `yaml:"single_frame_timeout"`
	MultiFrameTimeout  string `yaml:"multi_frame_timeout"`
	TextTimeout        string `yaml:"text_timeout"`
}

// AgentConfig configures the in-page agent bootstrap.
type AgentConfig struct {
	// Delay before an automatic analysis so dynamic content can settle.
	BootstrapDelay   string `yaml:"bootstrap_delay"`
	QuizTimeout      string `yaml:"quiz_timeout"`
	CodingTimeout    string `yaml:"coding_timeout"`
	SelectionTimeout string `yaml:"selection_timeout"`
	QuizPrompt       string `yaml:"quiz_prompt"`
	CodingPrompt     string `yaml:"coding_prompt"`
	SelectionPrompt  string `yaml:"selection_prompt"`
}

// RecorderConfig controls the run trace recorder.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// ProviderConfig registers one analysis provider. Order in the config file is registration order.
type ProviderConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	// Shape selects the request/response codec: gemini | openai | huggingface.
	Shape   string `yaml:"shape"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// TextModel is used for text-only requests when set.
	TextModel string `yaml:"text_model"`
	// CredentialKey names the settings-store key holding this provider's API key.
	CredentialKey string `yaml:"credential_key"`
	Timeout       string `yaml:"timeout"`
}

const defaultQuizPrompt = "I will upload you the questions of my quiz. Please answer them accurately and concisely without any explanation with option number and question number. If the question is multiple choice, give all the correct option which you are surely confident about."

const defaultCodingPrompt = "The screenshots show a coding problem captured top to bottom, followed by the page text. Solve the problem. Reply with a short explanation of the approach and then the complete solution code."

const defaultSelectionPrompt = "Answer or explain the following selected text accurately and concisely."

// DefaultProviders returns the four providers the analyzer ships with.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			ID:            "gemini",
			DisplayName:   "Gemini",
			Shape:         ShapeGemini,
			BaseURL:       "https://generativelanguage.googleapis.com/v1beta",
			Model:         "gemini-2.5-flash",
			TextModel:     "gemini-3-flash-preview",
			CredentialKey: "GEMINI_API_KEY",
			Timeout:       "25s",
		},
		{
			ID:            "groq",
			DisplayName:   "Groq",
			Shape:         ShapeOpenAI,
			BaseURL:       "https://api.groq.com/openai/v1",
			Model:         "meta-llama/llama-4-scout-17b-16e-instruct",
			CredentialKey: "GROQ_API_KEY",
			Timeout:       "25s",
		},
		{
			ID:            "huggingface",
			DisplayName:   "HuggingFace",
			Shape:         ShapeHuggingFace,
			BaseURL:       "https://api-inference.huggingface.co/models",
			Model:         "mistralai/Mistral-7B-Instruct-v0.3",
			CredentialKey: "HF_API_KEY",
			Timeout:       "25s",
		},
		{
			ID:            "together",
			DisplayName:   "Together AI",
			Shape:         ShapeOpenAI,
			BaseURL:       "https://api.together.xyz/v1",
			Model:         "meta-llama/Llama-Vision-Free",
			CredentialKey: "TOGETHER_API_KEY",
			Timeout:       "25s",
		},
	}
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "pageanalyzer-mcp",
			Version:  "0.3.0",
			LogFile:  "pageanalyzer-mcp.log",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			SessionStore:             "sessions.json",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Store: StoreConfig{
			Path: "settings.json",
		},
		Capture: CaptureConfig{
			MaxCaptures:  8,
			SettleDelay:  "300ms",
			Format:       "jpeg",
			Quality:      60,
			MaxTextChars: 8000,
		},
		Dispatch: DispatchConfig{
			SingleFrameTimeout: "30s",
			MultiFrameTimeout:  "60s",
			TextTimeout:        "25s",
		},
		Agent: AgentConfig{
			BootstrapDelay:   "2s",
			QuizTimeout:      "30s",
			CodingTimeout:    "90s",
			SelectionTimeout: "30s",
			QuizPrompt:       defaultQuizPrompt,
			CodingPrompt:     defaultCodingPrompt,
			SelectionPrompt:  defaultSelectionPrompt,
		},
		Recorder: RecorderConfig{
			Enable: true,
			Dir:    "data/traces",
		},
		Providers: DefaultProviders(),
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .pageanalyzer/config.yaml file.
// Returns the workspace root directory (parent of .pageanalyzer/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .pageanalyzer/config.yaml <- explicit --config
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", err)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, WorkspaceDirName, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Store.Path = resolve(cfg.Store.Path)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if len(c.Browser.Launch) > 0 && c.Browser.Launch[0] == "" {
		return errors.New("browser.launch[0] must name the chrome binary")
	}
	if c.Capture.MaxCaptures < 0 {
		return errors.New("capture.max_captures must not be negative")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Shape {
		case ShapeGemini, ShapeOpenAI, ShapeHuggingFace:
		default:
			return fmt.Errorf("provider %s: unsupported shape %q", p.ID, p.Shape)
		}
		if p.CredentialKey == "" {
			return fmt.Errorf("provider %s: credential_key is required", p.ID)
		}
	}
	return nil
}

// CredentialKeys lists the settings-store keys of every registered provider.
func (c Config) CredentialKeys() []string {
	keys := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		keys = append(keys, p.CredentialKey)
	}
	return keys
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// GetMaxCaptures returns the scroll capture bound (default: 8).
func (c CaptureConfig) GetMaxCaptures() int {
	if c.MaxCaptures <= 0 {
		return 8
	}
	return c.MaxCaptures
}

// GetSettleDelay returns the scroll settle delay (default: 300ms).
func (c CaptureConfig) GetSettleDelay() time.Duration {
	return parseDuration(c.SettleDelay, 300*time.Millisecond)
}

// GetFormat returns the capture image format, jpeg or png (default: jpeg).
func (c CaptureConfig) GetFormat() string {
	if c.Format == "png" {
		return "png"
	}
	return "jpeg"
}

// GetQuality returns the JPEG quality clamped to 1..100 (default: 60).
func (c CaptureConfig) GetQuality() int {
	switch {
	case c.Quality <= 0:
		return 60
	case c.Quality > 100:
		return 100
	default:
		return c.Quality
	}
}

// GetMaxTextChars returns the page text truncation limit (default: 8000).
func (c CaptureConfig) GetMaxTextChars() int {
	if c.MaxTextChars <= 0 {
		return 8000
	}
	return c.MaxTextChars
}

func (d DispatchConfig) GetSingleFrameTimeout() time.Duration {
	return parseDuration(d.SingleFrameTimeout, 30*time.Second)
}

func (d DispatchConfig) GetMultiFrameTimeout() time.Duration {
	return parseDuration(d.MultiFrameTimeout, 60*time.Second)
}

func (d DispatchConfig) GetTextTimeout() time.Duration {
	return parseDuration(d.TextTimeout, 25*time.Second)
}

func (a AgentConfig) GetBootstrapDelay() time.Duration {
	return parseDuration(a.BootstrapDelay, 2*time.Second)
}

func (a AgentConfig) GetQuizTimeout() time.Duration {
	return parseDuration(a.QuizTimeout, 30*time.Second)
}

func (a AgentConfig) GetCodingTimeout() time.Duration {
	return parseDuration(a.CodingTimeout, 90*time.Second)
}

func (a AgentConfig) GetSelectionTimeout() time.Duration {
	return parseDuration(a.SelectionTimeout, 30*time.Second)
}

// GetTimeout returns the per-call HTTP timeout for the provider (default: 25s).
func (p ProviderConfig) GetTimeout() time.Duration {
	return parseDuration(p.Timeout, 25*time.Second)
}

// Label returns the tab label for the provider.
func (p ProviderConfig) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
