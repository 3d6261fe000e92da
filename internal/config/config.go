package config

import (
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/menta2k/mask-annotator/pkg/compositor"
)

// EnvPrefix prefixes environment overrides, e.g. ANNOTATOR_SERVICE_URL
const EnvPrefix = "ANNOTATOR"

// Config holds the application configuration
type Config struct {
	Service ServiceConfig `json:"service" mapstructure:"service"`
	Render  RenderConfig  `json:"render" mapstructure:"render"`
	Image   ImageConfig   `json:"image" mapstructure:"image"`
	Suggest SuggestConfig `json:"suggest" mapstructure:"suggest"`
	Output  OutputConfig  `json:"output" mapstructure:"output"`
	Live    LiveConfig    `json:"live" mapstructure:"live"`
	Log     LogConfig     `json:"log" mapstructure:"log"`
}

// ServiceConfig points at the segmentation and reconstruction service
type ServiceConfig struct {
	URL        string        `json:"url" mapstructure:"url"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	CameraType string        `json:"camera_type" mapstructure:"camera_type"`
}

// RenderConfig holds the marker style. Colors are #rrggbb or #rrggbbaa.
type RenderConfig struct {
	MarkerRadius float64 `json:"marker_radius" mapstructure:"marker_radius"`
	StrokeWidth  float64 `json:"stroke_width" mapstructure:"stroke_width"`
	MaskOpacity  float64 `json:"mask_opacity" mapstructure:"mask_opacity"`
	BoxLineWidth int     `json:"box_line_width" mapstructure:"box_line_width"`
	KeepColor    string  `json:"keep_color" mapstructure:"keep_color"`
	RemoveColor  string  `json:"remove_color" mapstructure:"remove_color"`
	StrokeColor  string  `json:"stroke_color" mapstructure:"stroke_color"`
	BoxColor     string  `json:"box_color" mapstructure:"box_color"`
}

// ImageConfig holds input image constraints
type ImageConfig struct {
	SupportedFormats []string `json:"supported_formats" mapstructure:"supported_formats"`
	MinImageSize     int      `json:"min_image_size" mapstructure:"min_image_size"`
}

// SuggestConfig selects the subject suggestion backend
type SuggestConfig struct {
	// Backend is one of none, local, ollama, llamacpp
	Backend  string `json:"backend" mapstructure:"backend"`
	URL      string `json:"url" mapstructure:"url"`
	Model    string `json:"model" mapstructure:"model"`
	SendSize int    `json:"send_size" mapstructure:"send_size"`

	ContrastWeight  float64 `json:"contrast_weight" mapstructure:"contrast_weight"`
	ColorWeight     float64 `json:"color_weight" mapstructure:"color_weight"`
	MinSubjectRatio float64 `json:"min_subject_ratio" mapstructure:"min_subject_ratio"`
}

// OutputConfig holds configuration for saved renders
type OutputConfig struct {
	DefaultFormat string `json:"default_format" mapstructure:"default_format"`
	Quality       int    `json:"quality" mapstructure:"quality"`
	OutputDir     string `json:"output_dir" mapstructure:"output_dir"`
	Prefix        string `json:"prefix" mapstructure:"prefix"`
	Suffix        string `json:"suffix" mapstructure:"suffix"`
}

// LiveConfig holds the live server settings
type LiveConfig struct {
	Addr      string `json:"addr" mapstructure:"addr"`
	Mode      string `json:"mode" mapstructure:"mode"`
	StaticDir string `json:"static_dir" mapstructure:"static_dir"`
}

// LogConfig selects the logger: release or debug
type LogConfig struct {
	Mode string `json:"mode" mapstructure:"mode"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			URL:        "http://localhost:8000",
			Timeout:    120 * time.Second,
			CameraType: "persp",
		},
		Render: RenderConfig{
			MarkerRadius: 8,
			StrokeWidth:  2,
			MaskOpacity:  0.5,
			BoxLineWidth: 2,
			KeepColor:    "#00c853",
			RemoveColor:  "#e53935",
			StrokeColor:  "#ffffff",
			BoxColor:     "#4285f4",
		},
		Image: ImageConfig{
			SupportedFormats: []string{"jpg", "jpeg", "png", "webp"},
			MinImageSize:     16,
		},
		Suggest: SuggestConfig{
			Backend:         "local",
			URL:             "http://localhost:11434",
			Model:           "llava",
			SendSize:        768,
			ContrastWeight:  0.3,
			ColorWeight:     0.7,
			MinSubjectRatio: 0.02,
		},
		Output: OutputConfig{
			DefaultFormat: "png",
			Quality:       90,
			OutputDir:     "./output",
			Prefix:        "",
			Suffix:        "_annotated",
		},
		Live: LiveConfig{
			Addr: ":8080",
			Mode: "release",
		},
		Log: LogConfig{
			Mode: "debug",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("service.url", d.Service.URL)
	v.SetDefault("service.timeout", d.Service.Timeout)
	v.SetDefault("service.camera_type", d.Service.CameraType)

	v.SetDefault("render.marker_radius", d.Render.MarkerRadius)
	v.SetDefault("render.stroke_width", d.Render.StrokeWidth)
	v.SetDefault("render.mask_opacity", d.Render.MaskOpacity)
	v.SetDefault("render.box_line_width", d.Render.BoxLineWidth)
	v.SetDefault("render.keep_color", d.Render.KeepColor)
	v.SetDefault("render.remove_color", d.Render.RemoveColor)
	v.SetDefault("render.stroke_color", d.Render.StrokeColor)
	v.SetDefault("render.box_color", d.Render.BoxColor)

	v.SetDefault("image.supported_formats", d.Image.SupportedFormats)
	v.SetDefault("image.min_image_size", d.Image.MinImageSize)

	v.SetDefault("suggest.backend", d.Suggest.Backend)
	v.SetDefault("suggest.url", d.Suggest.URL)
	v.SetDefault("suggest.model", d.Suggest.Model)
	v.SetDefault("suggest.send_size", d.Suggest.SendSize)
	v.SetDefault("suggest.contrast_weight", d.Suggest.ContrastWeight)
	v.SetDefault("suggest.color_weight", d.Suggest.ColorWeight)
	v.SetDefault("suggest.min_subject_ratio", d.Suggest.MinSubjectRatio)

	v.SetDefault("output.default_format", d.Output.DefaultFormat)
	v.SetDefault("output.quality", d.Output.Quality)
	v.SetDefault("output.output_dir", d.Output.OutputDir)
	v.SetDefault("output.prefix", d.Output.Prefix)
	v.SetDefault("output.suffix", d.Output.Suffix)

	v.SetDefault("live.addr", d.Live.Addr)
	v.SetDefault("live.mode", d.Live.Mode)
	v.SetDefault("live.static_dir", d.Live.StaticDir)

	v.SetDefault("log.mode", d.Log.Mode)
}

// Load reads the defaults, the optional file (JSON or YAML by extension) and
// ANNOTATOR_* environment overrides, in increasing priority.
func Load(filename string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a JSON or YAML file
func LoadFromFile(filename string) (*Config, error) {
	return Load(filename)
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Service.URL == "" {
		return fmt.Errorf("service.url cannot be empty")
	}

	if c.Service.Timeout <= 0 {
		return fmt.Errorf("service.timeout must be positive")
	}

	switch normalize(c.Service.CameraType) {
	case "persp", "ortho":
	default:
		return fmt.Errorf("service.camera_type must be persp or ortho")
	}

	if c.Render.MarkerRadius <= 0 {
		return fmt.Errorf("render.marker_radius must be positive")
	}

	if c.Render.StrokeWidth < 0 || c.Render.StrokeWidth >= 2*c.Render.MarkerRadius {
		return fmt.Errorf("render.stroke_width must be between 0 and twice the marker radius")
	}

	if c.Render.MaskOpacity < 0 || c.Render.MaskOpacity > 1 {
		return fmt.Errorf("render.mask_opacity must be between 0 and 1")
	}

	if c.Render.BoxLineWidth < 1 {
		return fmt.Errorf("render.box_line_width must be positive")
	}

	if _, err := c.Style(); err != nil {
		return err
	}

	if c.Image.MinImageSize < 1 {
		return fmt.Errorf("image.min_image_size must be positive")
	}

	if len(c.Image.SupportedFormats) == 0 {
		return fmt.Errorf("image.supported_formats cannot be empty")
	}

	switch normalize(c.Suggest.Backend) {
	case "none", "local":
	case "ollama", "llamacpp":
		if c.Suggest.URL == "" || c.Suggest.Model == "" {
			return fmt.Errorf("suggest.url and suggest.model are required for the %s backend", c.Suggest.Backend)
		}
	default:
		return fmt.Errorf("suggest.backend must be one of none, local, ollama, llamacpp")
	}

	if c.Suggest.MinSubjectRatio < 0 || c.Suggest.MinSubjectRatio > 1 {
		return fmt.Errorf("suggest.min_subject_ratio must be between 0 and 1")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	return nil
}

// Style converts the render section into a compositor style
func (c *Config) Style() (compositor.Style, error) {
	style := compositor.DefaultStyle()
	style.MarkerRadius = c.Render.MarkerRadius
	style.StrokeWidth = c.Render.StrokeWidth
	style.MaskOpacity = c.Render.MaskOpacity
	style.BoxLineWidth = c.Render.BoxLineWidth

	colors := []struct {
		key string
		val string
		dst *color.NRGBA
	}{
		{"render.keep_color", c.Render.KeepColor, &style.KeepColor},
		{"render.remove_color", c.Render.RemoveColor, &style.RemoveColor},
		{"render.stroke_color", c.Render.StrokeColor, &style.StrokeColor},
		{"render.box_color", c.Render.BoxColor, &style.BoxColor},
	}
	for _, col := range colors {
		parsed, err := ParseColor(col.val)
		if err != nil {
			return style, fmt.Errorf("%s: %w", col.key, err)
		}
		*col.dst = parsed
	}
	return style, nil
}

// ParseColor parses #rrggbb or #rrggbbaa
func ParseColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 && len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "mask-annotator", "config.json")
}

// normalize matches how the engine and suggester read enumerated values
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
