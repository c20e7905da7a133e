package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
)

const (
	// Unset marks a stored parameter as "omit from the request".
	Unset = params.Unset

	DefaultRetryCount   = 2
	DefaultToolRetries  = 3
	DefaultToolMaxDepth = 25
	DefaultMaxTokens    = 1024
	DefaultModel        = "gpt-4o"

	configFileName = "config.yaml"
	envPrefix      = "CHATDISPATCH_"
)

// ErrNoConfigFile is returned by LoadFile when the file does not exist.
var ErrNoConfigFile = errors.New("config: file not found")

// Profile holds stored parameter values keyed by canonical parameter.
// Missing keys read as Unset. Temperature and penalties are stored as
// percent integers (70 means 0.7).
type Profile map[models.Param]float64

// Value returns the stored value or Unset.
func (p Profile) Value(param models.Param) float64 {
	if v, ok := p[param]; ok {
		return v
	}
	return Unset
}

// Merge returns a copy of p with every set value of over applied on top.
func (p Profile) Merge(over Profile) Profile {
	out := make(Profile, len(p)+len(over))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range over {
		if v != Unset {
			out[k] = v
		}
	}
	return out
}

// Credential is the authentication material for one provider key ID.
type Credential struct {
	APIKey             string `yaml:"api_key,omitempty"`
	BaseURL            string `yaml:"base_url,omitempty"`
	Region             string `yaml:"region,omitempty"`
	AccessKeyID        string `yaml:"access_key_id,omitempty"`
	SecretAccessKey    string `yaml:"secret_access_key,omitempty"`
	SessionToken       string `yaml:"session_token,omitempty"`
	ServiceAccountFile string `yaml:"service_account_file,omitempty"`
	ProjectID          string `yaml:"project_id,omitempty"`
	Location           string `yaml:"location,omitempty"`
}

// CustomModel is a user-defined model entry.
type CustomModel struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name,omitempty"`
	Provider   string   `yaml:"provider,omitempty"`
	Format     string   `yaml:"format"`
	Endpoint   string   `yaml:"endpoint,omitempty"`
	KeyID      string   `yaml:"key_id,omitempty"`
	Submodel   string   `yaml:"submodel,omitempty"`
	Flags      []string `yaml:"flags,omitempty"`
	Parameters []string `yaml:"parameters,omitempty"`
	MaxContext int      `yaml:"max_context,omitempty"`
}

// AnthropicOptions toggles Anthropic-family request features.
type AnthropicOptions struct {
	Batch             bool          `yaml:"batch"`
	BatchPollInterval time.Duration `yaml:"batch_poll_interval"`
	Cache             bool          `yaml:"cache"`
	RetrievalCaching  bool          `yaml:"retrieval_caching"`
}

// GoogleOptions toggles Gemini/Vertex request features.
type GoogleOptions struct {
	ShimFallback bool `yaml:"shim_fallback"`
	SafetyOff    bool `yaml:"safety_off"`
}

// Settings is the read-only settings snapshot consumed by the dispatcher.
type Settings struct {
	Model              string                   `yaml:"model"`
	ModeModels         map[models.Mode]string   `yaml:"mode_models,omitempty"`
	Fallbacks          map[models.Mode][]string `yaml:"fallbacks,omitempty"`
	Parameters         Profile                  `yaml:"parameters,omitempty"`
	ModeParameters     map[models.Mode]Profile  `yaml:"mode_parameters,omitempty"`
	SeparateParameters bool                     `yaml:"separate_parameters"`
	MaxTokens          int                      `yaml:"max_tokens"`
	GenerationCount    int                      `yaml:"generation_count"`
	RetryCount         int                      `yaml:"retry_count"`
	ToolRetries        int                      `yaml:"tool_retries"`
	ToolMaxDepth       int                      `yaml:"tool_max_depth"`
	Timeout            time.Duration            `yaml:"timeout"`
	Streaming          bool                     `yaml:"streaming"`
	AntiServerOverload bool                     `yaml:"anti_server_overload"`
	FallbackWhenBlank  bool                     `yaml:"fallback_when_blank"`
	SimplifiedToolUse  bool                     `yaml:"simplified_tool_use"`
	BannedScripts      []string                 `yaml:"banned_scripts,omitempty"`
	SystemRoleTemplate string                   `yaml:"system_role_template,omitempty"`
	Providers          map[string]Credential    `yaml:"providers,omitempty"`
	CustomModels       []CustomModel            `yaml:"custom_models,omitempty"`
	Anthropic          AnthropicOptions         `yaml:"anthropic"`
	Google             GoogleOptions            `yaml:"google"`
	Verbose            bool                     `yaml:"verbose"`
	Debug              bool                     `yaml:"debug"`
}

// Default returns settings with built-in defaults.
func Default() *Settings {
	return &Settings{
		Model:              DefaultModel,
		Parameters:         Profile{},
		MaxTokens:          DefaultMaxTokens,
		GenerationCount:    1,
		RetryCount:         DefaultRetryCount,
		ToolRetries:        DefaultToolRetries,
		ToolMaxDepth:       DefaultToolMaxDepth,
		AntiServerOverload: true,
		Providers:          map[string]Credential{},
		Anthropic:          AnthropicOptions{BatchPollInterval: 5 * time.Second},
		Google:             GoogleOptions{ShimFallback: true},
	}
}

// Home returns the settings directory: $CHATDISPATCH_HOME or ~/.chatdispatch.
func Home() string {
	if d := strings.TrimSpace(os.Getenv(envPrefix + "HOME")); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".chatdispatch"
	}
	return filepath.Join(home, ".chatdispatch")
}

// DefaultPath returns the default settings file path.
func DefaultPath() string {
	return filepath.Join(Home(), configFileName)
}

// Load reads path (DefaultPath when empty), tolerating a missing file, and
// applies environment overrides.
func Load(path string) (*Settings, error) {
	if path == "" {
		path = DefaultPath()
	}
	s, err := LoadFile(path)
	if errors.Is(err, ErrNoConfigFile) {
		s, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	s.ApplyEnv()
	return s, nil
}

// LoadFile reads settings from a YAML file over the defaults.
func LoadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoConfigFile, path)
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML settings over the defaults.
func Parse(data []byte) (*Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if s.Parameters == nil {
		s.Parameters = Profile{}
	}
	if s.Providers == nil {
		s.Providers = map[string]Credential{}
	}
	return s, nil
}

// Marshal renders settings as YAML with secrets redacted.
func (s *Settings) Marshal() ([]byte, error) {
	c := *s
	c.Providers = make(map[string]Credential, len(s.Providers))
	for k, v := range s.Providers {
		v.APIKey = redact(v.APIKey)
		v.SecretAccessKey = redact(v.SecretAccessKey)
		v.SessionToken = redact(v.SessionToken)
		c.Providers[k] = v
	}
	return yaml.Marshal(&c)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-2:]
}

// envKeys maps conventional provider environment variables to key IDs.
var envKeys = map[string]string{
	"OPENAI_API_KEY":    "openai",
	"ANTHROPIC_API_KEY": "anthropic",
	"GEMINI_API_KEY":    "google",
	"COHERE_API_KEY":    "cohere",
	"MISTRAL_API_KEY":   "mistral",
	"NOVELAI_API_KEY":   "novelai",
	"HORDE_API_KEY":     "horde",
}

// ApplyEnv overlays CHATDISPATCH_* and conventional provider variables.
func (s *Settings) ApplyEnv() {
	if v := os.Getenv(envPrefix + "MODEL"); v != "" {
		s.Model = strings.TrimSpace(v)
	}
	if v, ok := envInt(envPrefix + "RETRY_COUNT"); ok {
		s.RetryCount = v
	}
	if v, ok := envInt(envPrefix + "TOOL_RETRIES"); ok {
		s.ToolRetries = v
	}
	if v, ok := envInt(envPrefix + "TOOL_MAX_DEPTH"); ok {
		s.ToolMaxDepth = v
	}
	if v, ok := envInt(envPrefix + "MAX_TOKENS"); ok {
		s.MaxTokens = v
	}
	if v := os.Getenv(envPrefix + "TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			s.Timeout = d
		}
	}
	envFlag(envPrefix+"STREAMING", &s.Streaming)
	envFlag(envPrefix+"ANTI_SERVER_OVERLOAD", &s.AntiServerOverload)
	envFlag(envPrefix+"FALLBACK_WHEN_BLANK", &s.FallbackWhenBlank)
	envFlag(envPrefix+"SIMPLIFIED_TOOL_USE", &s.SimplifiedToolUse)
	envFlag(envPrefix+"VERBOSE", &s.Verbose)
	envFlag(envPrefix+"DEBUG", &s.Debug)

	for env, keyID := range envKeys {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			c := s.Providers[keyID]
			c.APIKey = v
			s.Providers[keyID] = c
		}
	}
	if id := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); id != "" {
		c := s.Providers["aws"]
		c.AccessKeyID = id
		c.SecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
		c.SessionToken = strings.TrimSpace(os.Getenv("AWS_SESSION_TOKEN"))
		c.Region = envOrDefault("AWS_REGION", c.Region)
		s.Providers["aws"] = c
	}
	if f := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); f != "" {
		c := s.Providers["vertex"]
		c.ServiceAccountFile = f
		s.Providers["vertex"] = c
	}
}

// ModelFor returns the primary model for a mode.
func (s *Settings) ModelFor(mode models.Mode) string {
	if m := s.ModeModels[mode]; m != "" {
		return m
	}
	return s.Model
}

// FallbacksFor returns the ordered fallback list for a mode.
func (s *Settings) FallbacksFor(mode models.Mode) []string {
	return append([]string(nil), s.Fallbacks[mode]...)
}

// ProfileFor resolves the active parameter profile: the per-mode profile when
// separate parameters are enabled and one exists, the global one otherwise.
func (s *Settings) ProfileFor(mode models.Mode) Profile {
	if s.SeparateParameters {
		if p, ok := s.ModeParameters[mode]; ok {
			return p
		}
	}
	if s.Parameters == nil {
		return Profile{}
	}
	return s.Parameters
}

// Credential returns the credential for a key ID.
func (s *Settings) Credential(keyID string) Credential {
	return s.Providers[keyID]
}

// Descriptors converts custom model entries into descriptors.
func (s *Settings) Descriptors() ([]models.Descriptor, error) {
	out := make([]models.Descriptor, 0, len(s.CustomModels))
	for _, cm := range s.CustomModels {
		f, err := models.ParseFormat(cm.Format)
		if err != nil {
			return nil, fmt.Errorf("custom model %q: %w", cm.ID, err)
		}
		flags, err := models.ParseFlags(cm.Flags)
		if err != nil {
			return nil, fmt.Errorf("custom model %q: %w", cm.ID, err)
		}
		accepted := make([]models.Param, 0, len(cm.Parameters))
		for _, p := range cm.Parameters {
			accepted = append(accepted, models.Param(strings.TrimSpace(p)))
		}
		out = append(out, models.Descriptor{
			ID:         cm.ID,
			Name:       cm.Name,
			Provider:   cm.Provider,
			Format:     f,
			Flags:      flags,
			Parameters: accepted,
			Endpoint:   cm.Endpoint,
			KeyID:      cm.KeyID,
			Submodel:   cm.Submodel,
			MaxContext: cm.MaxContext,
		})
	}
	return out, nil
}

// Validate reports every problem found in the settings.
func (s *Settings) Validate() []error {
	var errs []error
	if strings.TrimSpace(s.Model) == "" {
		errs = append(errs, errors.New("model is empty"))
	}
	if s.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("retry_count must be >= 0, got %d", s.RetryCount))
	}
	if s.ToolRetries < 0 {
		errs = append(errs, fmt.Errorf("tool_retries must be >= 0, got %d", s.ToolRetries))
	}
	if s.ToolMaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("tool_max_depth must be > 0, got %d", s.ToolMaxDepth))
	}
	if s.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be > 0, got %d", s.MaxTokens))
	}
	if s.GenerationCount < 1 {
		errs = append(errs, fmt.Errorf("generation_count must be >= 1, got %d", s.GenerationCount))
	}
	known := map[models.Param]bool{}
	for _, p := range models.AllParams() {
		known[p] = true
	}
	check := func(where string, p Profile) {
		for k := range p {
			if !known[k] {
				errs = append(errs, fmt.Errorf("%s: unknown parameter %q", where, k))
			}
		}
	}
	check("parameters", s.Parameters)
	for mode, p := range s.ModeParameters {
		if _, err := models.ParseMode(string(mode)); err != nil {
			errs = append(errs, err)
		}
		check("mode_parameters."+string(mode), p)
	}
	if _, err := s.Descriptors(); err != nil {
		errs = append(errs, err)
	}
	for _, script := range s.BannedScripts {
		if _, ok := unicode.Scripts[script]; !ok {
			errs = append(errs, fmt.Errorf("banned_scripts: unknown script %q", script))
		}
	}
	return errs
}

// Store serves settings snapshots to concurrent readers.
type Store struct {
	v atomic.Pointer[Settings]
}

// NewStore returns a store holding s.
func NewStore(s *Settings) *Store {
	st := &Store{}
	st.v.Store(s)
	return st
}

// Snapshot returns the current settings. Callers must not mutate it.
func (st *Store) Snapshot() *Settings {
	return st.v.Load()
}

// Replace swaps in a new snapshot.
func (st *Store) Replace(s *Settings) {
	st.v.Store(s)
}

func envOrDefault(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envFlag(key string, dst *bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return
	}
	*dst = envBool(key)
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
