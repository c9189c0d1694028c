// Package projectconfig provides the Config struct and loader for .champ.yaml
// project-level configuration files. Selection, scoring, and acquisition code
// consume only the typed struct resolved here, never raw mappings.
package projectconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/seqlab/champ/internal/models"
)

// Default values for project configuration. These are the single source of
// truth — New() references them and no other code should duplicate them.
const (
	DefaultMetricName = "f1_macro"
	DefaultDirection  = models.Maximize

	DefaultMinTrialsPerGroup  = 3
	DefaultTopKForStableScore = 3
	DefaultPreferSchema       = models.SchemaV2

	DefaultF1Weight      = 0.7
	DefaultLatencyWeight = 0.3
	DefaultAggregation   = AggregationMedian

	DefaultCacheDir     = ".champ-cache"
	DefaultArtifactsDir = "artifacts"
)

// Aggregation names the benchmark deduplication strategies.
type Aggregation string

const (
	AggregationLatest Aggregation = "latest"
	AggregationMedian Aggregation = "median"
	AggregationMean   Aggregation = "mean"
)

// AvailabilitySource names where the artifact-availability flag is read from.
type AvailabilitySource string

const (
	AvailabilityFromRecord AvailabilitySource = "record_tag"
	AvailabilityFromParent AvailabilitySource = "parent_tag"
	AvailabilityFromDisk   AvailabilitySource = "disk"
)

// ObjectiveConfig names the metric being optimized and its direction.
type ObjectiveConfig struct {
	Metric    string           `yaml:"metric,omitempty" mapstructure:"metric"`
	Direction models.Direction `yaml:"direction,omitempty" mapstructure:"direction"`
}

// SelectionConfig holds the champion-selection guardrails.
type SelectionConfig struct {
	MinTrialsPerGroup  int `yaml:"min_trials_per_group,omitempty" mapstructure:"min_trials_per_group"`
	TopKForStableScore int `yaml:"top_k_for_stable_score,omitempty" mapstructure:"top_k_for_stable_score"`

	RequireArtifactAvailable *bool `yaml:"require_artifact_available,omitempty" mapstructure:"require_artifact_available"`
	// AssumeAvailableWhenUnknown keeps legacy records that predate the
	// availability tag. Configurable because leniency can mask genuinely
	// missing artifacts.
	AssumeAvailableWhenUnknown *bool `yaml:"assume_available_when_unknown,omitempty" mapstructure:"assume_available_when_unknown"`

	// ArtifactCheckSources is the ordered strategy list consulted for the
	// availability flag.
	ArtifactCheckSources []AvailabilitySource `yaml:"artifact_check_sources,omitempty" mapstructure:"artifact_check_sources"`

	PreferSchemaVersion    models.SchemaVersion `yaml:"prefer_schema_version,omitempty" mapstructure:"prefer_schema_version"`
	AllowMixedSchemaGroups bool                 `yaml:"allow_mixed_schema_groups,omitempty" mapstructure:"allow_mixed_schema_groups"`
}

// ScoringConfig holds the composite-score weights.
type ScoringConfig struct {
	F1Weight         float64 `yaml:"f1_weight,omitempty" mapstructure:"f1_weight"`
	LatencyWeight    float64 `yaml:"latency_weight,omitempty" mapstructure:"latency_weight"`
	NormalizeWeights *bool   `yaml:"normalize_weights,omitempty" mapstructure:"normalize_weights"`
}

// BenchmarkConfig holds benchmark aggregation settings.
type BenchmarkConfig struct {
	Aggregation     Aggregation `yaml:"aggregation,omitempty" mapstructure:"aggregation"`
	RequiredMetrics []string    `yaml:"required_metrics,omitempty" mapstructure:"required_metrics"`
}

// SourceConfig holds per-source acquisition flags.
type SourceConfig struct {
	Enabled  *bool `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Validate *bool `yaml:"validate,omitempty" mapstructure:"validate"`
}

// ArtifactsConfig holds acquisition settings: global source priority,
// per-kind overrides, per-source flags, and the destination root.
type ArtifactsConfig struct {
	Dir              string                  `yaml:"dir,omitempty" mapstructure:"dir"`
	Priority         []string                `yaml:"priority,omitempty" mapstructure:"priority"`
	PriorityOverride map[string][]string     `yaml:"priority_override,omitempty" mapstructure:"priority_override"`
	Sources          map[string]SourceConfig `yaml:"sources,omitempty" mapstructure:"sources"`
}

// MirrorConfig points at the remote blob mirror.
type MirrorConfig struct {
	ContainerURL string `yaml:"container_url,omitempty" mapstructure:"container_url"`
	Prefix       string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// CacheConfig holds result-cache settings.
type CacheConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Dir     string `yaml:"dir,omitempty" mapstructure:"dir"`
}

// Config is the top-level configuration loaded from .champ.yaml.
type Config struct {
	Objective ObjectiveConfig `yaml:"objective,omitempty" mapstructure:"objective"`
	Selection SelectionConfig `yaml:"selection,omitempty" mapstructure:"selection"`
	Scoring   ScoringConfig   `yaml:"scoring,omitempty" mapstructure:"scoring"`
	Benchmark BenchmarkConfig `yaml:"benchmark,omitempty" mapstructure:"benchmark"`
	Artifacts ArtifactsConfig `yaml:"artifacts,omitempty" mapstructure:"artifacts"`
	Mirror    MirrorConfig    `yaml:"mirror,omitempty" mapstructure:"mirror"`
	Cache     CacheConfig     `yaml:"cache,omitempty" mapstructure:"cache"`
}

// New returns a Config with all hard-coded defaults populated.
func New() *Config {
	return &Config{
		Objective: ObjectiveConfig{
			Metric:    DefaultMetricName,
			Direction: DefaultDirection,
		},
		Selection: SelectionConfig{
			MinTrialsPerGroup:          DefaultMinTrialsPerGroup,
			TopKForStableScore:         DefaultTopKForStableScore,
			RequireArtifactAvailable:   boolPtr(true),
			AssumeAvailableWhenUnknown: boolPtr(true),
			ArtifactCheckSources: []AvailabilitySource{
				AvailabilityFromRecord,
				AvailabilityFromParent,
			},
			PreferSchemaVersion:    DefaultPreferSchema,
			AllowMixedSchemaGroups: false,
		},
		Scoring: ScoringConfig{
			F1Weight:         DefaultF1Weight,
			LatencyWeight:    DefaultLatencyWeight,
			NormalizeWeights: boolPtr(true),
		},
		Benchmark: BenchmarkConfig{
			Aggregation:     DefaultAggregation,
			RequiredMetrics: []string{"latency_ms"},
		},
		Artifacts: ArtifactsConfig{
			Dir:      DefaultArtifactsDir,
			Priority: []string{"local", "mirror", "store"},
		},
		Cache: CacheConfig{
			Enabled: boolPtr(true),
			Dir:     DefaultCacheDir,
		},
	}
}

// Load finds .champ.yaml by walking up from startDir (max 10 levels),
// unmarshals it, fills in missing fields with defaults, and validates the
// result. If no config file is found, returns validated defaults with a nil
// error. Real I/O errors (e.g. permission denied) are returned to the caller.
func Load(startDir string, log *zap.Logger) (*Config, error) {
	cfg := New()

	data, err := findConfigFile(startDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate(log) // no file found → defaults
		}
		return nil, fmt.Errorf("loading .champ.yaml: %w", err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing .champ.yaml: %w", err)
	}

	mergeConfig(cfg, &fileCfg)
	if err := cfg.Validate(log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromMap decodes a plain mapping (the shape the surrounding orchestration
// layer hands over) into a typed Config on top of defaults, then validates.
func FromMap(raw map[string]any, log *zap.Logger) (*Config, error) {
	cfg := New()

	var fileCfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &fileCfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding config mapping: %w", err)
	}

	mergeConfig(cfg, &fileCfg)
	if err := cfg.Validate(log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects contradictory settings and clamps correctable ones. It is
// the only place guardrails are enforced; downstream code trusts the struct.
func (c *Config) Validate(log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	switch c.Objective.Direction {
	case models.Maximize, models.Minimize:
	default:
		return fmt.Errorf("objective.direction %q: must be maximize or minimize", c.Objective.Direction)
	}

	switch c.Benchmark.Aggregation {
	case AggregationLatest, AggregationMedian, AggregationMean:
	default:
		return fmt.Errorf("benchmark.aggregation %q: must be latest, median, or mean", c.Benchmark.Aggregation)
	}

	if c.Selection.MinTrialsPerGroup < 1 {
		return fmt.Errorf("selection.min_trials_per_group %d: must be >= 1", c.Selection.MinTrialsPerGroup)
	}
	if c.Selection.TopKForStableScore < 1 {
		return fmt.Errorf("selection.top_k_for_stable_score %d: must be >= 1", c.Selection.TopKForStableScore)
	}
	// The stable score may never be computed from fewer trials than the
	// minimum guard requires.
	if c.Selection.TopKForStableScore > c.Selection.MinTrialsPerGroup {
		log.Warn("clamping top_k_for_stable_score to min_trials_per_group",
			zap.Int("top_k", c.Selection.TopKForStableScore),
			zap.Int("min_trials", c.Selection.MinTrialsPerGroup))
		c.Selection.TopKForStableScore = c.Selection.MinTrialsPerGroup
	}

	switch c.Selection.PreferSchemaVersion {
	case models.SchemaV1, models.SchemaV2:
	default:
		return fmt.Errorf("selection.prefer_schema_version %q: must be 1.0 or 2.0", c.Selection.PreferSchemaVersion)
	}
	if c.Selection.AllowMixedSchemaGroups {
		log.Warn("allow_mixed_schema_groups is set: trials from different hashing epochs will be compared")
	}

	for _, s := range c.Selection.ArtifactCheckSources {
		switch s {
		case AvailabilityFromRecord, AvailabilityFromParent, AvailabilityFromDisk:
		default:
			return fmt.Errorf("selection.artifact_check_sources: unknown source %q", s)
		}
	}

	if c.Scoring.F1Weight < 0 || c.Scoring.LatencyWeight < 0 {
		return fmt.Errorf("scoring weights must be non-negative (f1=%v latency=%v)",
			c.Scoring.F1Weight, c.Scoring.LatencyWeight)
	}
	if c.Scoring.F1Weight == 0 && c.Scoring.LatencyWeight == 0 {
		return errors.New("scoring weights must not both be zero")
	}
	if boolVal(c.Scoring.NormalizeWeights) {
		sum := c.Scoring.F1Weight + c.Scoring.LatencyWeight
		c.Scoring.F1Weight /= sum
		c.Scoring.LatencyWeight /= sum
	}

	if len(c.Artifacts.Priority) == 0 {
		return errors.New("artifacts.priority is empty")
	}
	for kind, prio := range c.Artifacts.PriorityOverride {
		if len(prio) == 0 {
			return fmt.Errorf("artifacts.priority_override[%s] is empty", kind)
		}
	}

	return nil
}

// SourcePriority returns the acquisition source order for an artifact kind,
// honoring per-kind overrides.
func (c *ArtifactsConfig) SourcePriority(kind string) []string {
	if prio, ok := c.PriorityOverride[kind]; ok {
		return prio
	}
	return c.Priority
}

// SourceEnabled reports whether a source participates in acquisition.
// Sources are enabled unless explicitly disabled.
func (c *ArtifactsConfig) SourceEnabled(name string) bool {
	sc, ok := c.Sources[name]
	if !ok || sc.Enabled == nil {
		return true
	}
	return *sc.Enabled
}

// SourceValidates reports whether a source pre-validates during discovery.
func (c *ArtifactsConfig) SourceValidates(name string) bool {
	sc, ok := c.Sources[name]
	if !ok || sc.Validate == nil {
		return false
	}
	return *sc.Validate
}

// findConfigFile walks up from dir looking for .champ.yaml (max 10 levels).
// Returns os.ErrNotExist if no config file is found. Propagates real I/O
// errors (e.g. permission denied) instead of silently swallowing them.
func findConfigFile(dir string) ([]byte, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving path %q: %w", dir, err)
	}
	dir = absDir

	for i := 0; i < 10; i++ {
		p := filepath.Join(dir, ".champ.yaml")
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading %q: %w", p, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached filesystem root
		}
		dir = parent
	}
	return nil, os.ErrNotExist
}

// mergeConfig overlays non-zero values from src onto dst.
func mergeConfig(dst, src *Config) {
	if src.Objective.Metric != "" {
		dst.Objective.Metric = src.Objective.Metric
	}
	if src.Objective.Direction != "" {
		dst.Objective.Direction = src.Objective.Direction
	}

	if src.Selection.MinTrialsPerGroup != 0 {
		dst.Selection.MinTrialsPerGroup = src.Selection.MinTrialsPerGroup
	}
	if src.Selection.TopKForStableScore != 0 {
		dst.Selection.TopKForStableScore = src.Selection.TopKForStableScore
	}
	if src.Selection.RequireArtifactAvailable != nil {
		dst.Selection.RequireArtifactAvailable = src.Selection.RequireArtifactAvailable
	}
	if src.Selection.AssumeAvailableWhenUnknown != nil {
		dst.Selection.AssumeAvailableWhenUnknown = src.Selection.AssumeAvailableWhenUnknown
	}
	if len(src.Selection.ArtifactCheckSources) > 0 {
		dst.Selection.ArtifactCheckSources = src.Selection.ArtifactCheckSources
	}
	if src.Selection.PreferSchemaVersion != "" {
		dst.Selection.PreferSchemaVersion = src.Selection.PreferSchemaVersion
	}
	if src.Selection.AllowMixedSchemaGroups {
		dst.Selection.AllowMixedSchemaGroups = true
	}

	if src.Scoring.F1Weight != 0 {
		dst.Scoring.F1Weight = src.Scoring.F1Weight
	}
	if src.Scoring.LatencyWeight != 0 {
		dst.Scoring.LatencyWeight = src.Scoring.LatencyWeight
	}
	if src.Scoring.NormalizeWeights != nil {
		dst.Scoring.NormalizeWeights = src.Scoring.NormalizeWeights
	}

	if src.Benchmark.Aggregation != "" {
		dst.Benchmark.Aggregation = src.Benchmark.Aggregation
	}
	if len(src.Benchmark.RequiredMetrics) > 0 {
		dst.Benchmark.RequiredMetrics = src.Benchmark.RequiredMetrics
	}

	if src.Artifacts.Dir != "" {
		dst.Artifacts.Dir = src.Artifacts.Dir
	}
	if len(src.Artifacts.Priority) > 0 {
		dst.Artifacts.Priority = src.Artifacts.Priority
	}
	if len(src.Artifacts.PriorityOverride) > 0 {
		dst.Artifacts.PriorityOverride = src.Artifacts.PriorityOverride
	}
	if len(src.Artifacts.Sources) > 0 {
		dst.Artifacts.Sources = src.Artifacts.Sources
	}

	if src.Mirror.ContainerURL != "" {
		dst.Mirror.ContainerURL = src.Mirror.ContainerURL
	}
	if src.Mirror.Prefix != "" {
		dst.Mirror.Prefix = src.Mirror.Prefix
	}

	if src.Cache.Enabled != nil {
		dst.Cache.Enabled = src.Cache.Enabled
	}
	if src.Cache.Dir != "" {
		dst.Cache.Dir = src.Cache.Dir
	}
}

func boolPtr(b bool) *bool { return &b }

func boolVal(b *bool) bool { return b != nil && *b }
