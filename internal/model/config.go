package model

import (
	"fmt"
	"io"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version"` // fixed 0 for now
	Engine   Engine   `json:"engine" yaml:"engine"`
	Sessions Sessions `json:"sessions" yaml:"sessions"`
	Dispatch Dispatch `json:"dispatch" yaml:"dispatch"`
	Events   Events   `json:"events" yaml:"events"`
	Pipes    Pipes    `json:"pipes" yaml:"pipes"`
	Archive  Archive  `json:"archive" yaml:"archive"`
	Service  Service  `json:"service" yaml:"service"`
}

// Engine configures the ffmpeg and ffprobe binaries.
type Engine struct {
	FFmpeg   string            `json:"ffmpeg" yaml:"ffmpeg"`
	FFprobe  string            `json:"ffprobe" yaml:"ffprobe"`
	LogLevel int               `json:"log_level" yaml:"log_level"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type Sessions struct {
	HistorySize int `json:"history_size" yaml:"history_size"` // 0 => unlimited
	WaitTimeout int `json:"wait_timeout" yaml:"wait_timeout"` // milliseconds
}

func (s Sessions) WaitTimeoutDuration() time.Duration {
	return time.Duration(s.WaitTimeout) * time.Millisecond
}

type Dispatch struct {
	Workers int `json:"workers" yaml:"workers"`
}

// Events sets the initial state of the event gate and optional sinks.
type Events struct {
	Logs       bool `json:"logs" yaml:"logs"`
	Statistics bool `json:"statistics" yaml:"statistics"`
	AMQP       AMQP `json:"amqp" yaml:"amqp"`
}

type AMQP struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     URL    `json:"url" yaml:"url"`
	Queue   string `json:"queue" yaml:"queue"`
}

type Pipes struct {
	Dir string `json:"dir" yaml:"dir"` // empty => user cache dir
}

// Archive persists terminal sessions to sqlite.
type Archive struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Path      string `json:"path" yaml:"path"`           // empty => user cache dir
	Retention string `json:"retention" yaml:"retention"` // ISO8601 duration
	Prune     string `json:"prune" yaml:"prune"`         // cron expression
}

type Service struct {
	Verbose bool     `json:"verbose" yaml:"verbose"`
	Codec   string   `json:"codec" yaml:"codec"`                       // "json" | "cbor"
	Listen  *TCPAddr `json:"listen,omitempty" yaml:"listen,omitempty"` // nil => stdin/stdout
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if err := out.validate(); err != nil {
		return Config{}, err
	}

	return out, nil
}

// validate checks values CUE can't express.
func (c Config) validate() error {
	if _, err := ParseISODuration(c.Archive.Retention); err != nil {
		return fmt.Errorf("archive.retention: %w", err)
	}
	if _, err := ParseCron(c.Archive.Prune); err != nil {
		return fmt.Errorf("archive.prune: %w", err)
	}
	return nil
}

// DefaultConfig returns the configuration with all schema defaults applied.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return cfg
}

// CueErrDetails turns a LoadConfig error into a list of readable details.
func CueErrDetails(err error) []CueErrorDetail {
	return humanize(err, schema)
}
