package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cbbstats/internal/export"
	"cbbstats/internal/fetch"
)

// Modes.
const (
	modeSchools = "schools"
	modeRoster  = "roster"
	modeGameLog = "gamelog"
	modeSample  = "sample"
)

// runConfig holds the parsed flags, config file and env fallbacks.
// Precedence: explicit flag > config file > environment > default.
type runConfig struct {
	Mode    string
	School  string
	Players []string
	Seasons []int
	Format  export.Format
	Out     string

	StoreKind string
	StoreDSN  string
	Table     string

	Origin      string
	Timeout     time.Duration
	PreDelay    time.Duration
	MaxAttempts int
	MaxWait     time.Duration
	RPS         float64
	Workers     int

	MetricsBackend string
	DDTagsCSV      string
	JobName        string
	FlushEvery     time.Duration

	ConfigPath string
	Verbose    bool

	Tables bool
	URL    string
	In     string
}

// fileConfig is the -config file, JSON or YAML by extension. Absent keys leave
// the flag value alone.
type fileConfig struct {
	Mode           *string   `json:"mode" yaml:"mode"`
	School         *string   `json:"school" yaml:"school"`
	Players        []string  `json:"players" yaml:"players"`
	Seasons        []int     `json:"seasons" yaml:"seasons"`
	Format         *string   `json:"format" yaml:"format"`
	Out            *string   `json:"out" yaml:"out"`
	StoreKind      *string   `json:"store_kind" yaml:"store_kind"`
	StoreDSN       *string   `json:"store_dsn" yaml:"store_dsn"`
	Table          *string   `json:"table" yaml:"table"`
	Origin         *string   `json:"origin" yaml:"origin"`
	Timeout        *duration `json:"timeout" yaml:"timeout"`
	PreDelay       *duration `json:"pre_delay" yaml:"pre_delay"`
	MaxAttempts    *int      `json:"max_attempts" yaml:"max_attempts"`
	MaxWait        *duration `json:"max_wait" yaml:"max_wait"`
	RPS            *float64  `json:"rps" yaml:"rps"`
	Workers        *int      `json:"workers" yaml:"workers"`
	MetricsBackend *string   `json:"metrics_backend" yaml:"metrics_backend"`
	DDTags         *string   `json:"dd_tags" yaml:"dd_tags"`
	JobName        *string   `json:"job_name" yaml:"job_name"`
}

// duration accepts "90s"-style strings.
type duration time.Duration

func (d *duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func parseFlags(args []string, getenv func(string) string, now time.Time) (runConfig, error) {
	fs := flag.NewFlagSet("cbbstats", flag.ContinueOnError)

	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var (
		cfg        runConfig
		playersCSV string
		seasonsCSV string
		format     string
	)
	fs.StringVar(&cfg.Mode, "mode", modeSchools, "What to scrape: schools | roster | gamelog | sample")
	fs.StringVar(&cfg.School, "school", "", "School link for -mode roster (e.g. /cbb/schools/duke/men/)")
	fs.StringVar(&playersCSV, "player", "", "Player link(s) for -mode gamelog, comma separated")
	fs.StringVar(&seasonsCSV, "seasons", "", "Seasons CSV by ending year (e.g. 2023,2024); default: current season")
	fs.StringVar(&format, "format", "csv", "Output format: csv | json")
	fs.StringVar(&cfg.Out, "out", "", "Output file (default stdout)")
	fs.StringVar(&cfg.StoreKind, "store-kind", "", "Also save to a database: postgres | sqlite | mssql")
	fs.StringVar(&cfg.StoreDSN, "store-dsn", "", "Database DSN for -store-kind")
	fs.StringVar(&cfg.Table, "table", "", "Destination table (default: the mode name)")
	fs.StringVar(&cfg.Origin, "origin", fetch.DefaultOrigin, "Site origin relative links are resolved against")
	fs.DurationVar(&cfg.Timeout, "timeout", 60*time.Second, "HTTP timeout per request")
	fs.DurationVar(&cfg.PreDelay, "pre-delay", fetch.DefaultPreDelay, "Sleep before every page fetch")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", 0, "Max requests per page on HTTP 429 (0 = retry until the site lets us in)")
	fs.DurationVar(&cfg.MaxWait, "max-wait", 0, "Max total 429 backoff per page (0 = unbounded)")
	fs.Float64Var(&cfg.RPS, "rps", 0, "Global request rate limit in requests/second (0 = none)")
	fs.IntVar(&cfg.Workers, "workers", 1, "Concurrent game-log fetches when several -player links are given")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "none", "Metrics backend: none | datadog (env METRICS_BACKEND)")
	fs.StringVar(&cfg.DDTagsCSV, "dd-tags", "", "Extra Datadog tags CSV (env METRICS_TAGS)")
	fs.StringVar(&cfg.JobName, "name", "cbbstats", "Logical job name used in metrics tags")
	fs.DurationVar(&cfg.FlushEvery, "metrics-flush", time.Minute, "Datadog flush interval")
	fs.StringVar(&cfg.ConfigPath, "config", "", "JSON or YAML config file; explicit flags override it")
	fs.BoolVar(&cfg.Verbose, "v", false, "Verbose (debug, console) logging")
	fs.BoolVar(&cfg.Tables, "tables", false, "Debug: list the tables of a page (-url, -in or stdin) and exit")
	fs.StringVar(&cfg.URL, "url", "", "Page path or URL for -tables")
	fs.StringVar(&cfg.In, "in", "", "HTML file for -tables")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if cfg.ConfigPath != "" {
		fc, err := loadConfigFile(cfg.ConfigPath)
		if err != nil {
			return runConfig{}, err
		}
		for name := range applyFile(&cfg, fc, set, &playersCSV, &seasonsCSV, &format) {
			set[name] = true
		}
	}

	if !set["metrics-backend"] {
		if v := strings.TrimSpace(getenv("METRICS_BACKEND")); v != "" {
			cfg.MetricsBackend = v
		}
	}
	if cfg.DDTagsCSV == "" {
		cfg.DDTagsCSV = strings.TrimSpace(getenv("METRICS_TAGS"))
	}

	var err error
	if cfg.Format, err = export.ParseFormat(format); err != nil {
		return runConfig{}, err
	}
	cfg.Players = splitCSV(playersCSV)
	if cfg.Seasons, err = parseSeasons(seasonsCSV); err != nil {
		return runConfig{}, err
	}
	if len(cfg.Seasons) == 0 {
		cfg.Seasons = []int{defaultSeason(now)}
	}

	if err := cfg.validate(); err != nil {
		return runConfig{}, err
	}
	return cfg, nil
}

func (c runConfig) validate() error {
	if c.Tables {
		return nil
	}
	switch c.Mode {
	case modeSchools, modeSample:
	case modeRoster:
		if c.School == "" {
			return errors.New("-mode roster requires -school")
		}
	case modeGameLog:
		if len(c.Players) == 0 {
			return errors.New("-mode gamelog requires -player")
		}
	default:
		return fmt.Errorf("unknown -mode %q (want schools, roster, gamelog or sample)", c.Mode)
	}
	if c.Workers <= 0 {
		return errors.New("-workers must be > 0")
	}
	if c.MaxAttempts < 0 {
		return errors.New("-max-attempts must be >= 0")
	}
	if c.PreDelay < 0 || c.MaxWait < 0 || c.Timeout < 0 {
		return errors.New("durations must be >= 0")
	}
	if c.RPS < 0 {
		return errors.New("-rps must be >= 0")
	}
	switch c.MetricsBackend {
	case "none", "datadog":
	default:
		return fmt.Errorf("unknown -metrics-backend %q (want none or datadog)", c.MetricsBackend)
	}
	if c.StoreKind != "" && c.StoreDSN == "" {
		return errors.New("-store-kind requires -store-dsn")
	}
	return nil
}

func loadConfigFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &fc)
	default:
		err = json.Unmarshal(raw, &fc)
	}
	if err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// applyFile copies config file values into cfg for every flag not set on the
// command line and returns the names it applied.
func applyFile(cfg *runConfig, fc fileConfig, set map[string]bool, playersCSV, seasonsCSV, format *string) map[string]bool {
	applied := map[string]bool{}
	str := func(name string, src *string, dst *string) {
		if src != nil && !set[name] {
			*dst = *src
			applied[name] = true
		}
	}
	dur := func(name string, src *duration, dst *time.Duration) {
		if src != nil && !set[name] {
			*dst = time.Duration(*src)
			applied[name] = true
		}
	}
	integer := func(name string, src *int, dst *int) {
		if src != nil && !set[name] {
			*dst = *src
			applied[name] = true
		}
	}

	str("mode", fc.Mode, &cfg.Mode)
	str("school", fc.School, &cfg.School)
	str("format", fc.Format, format)
	str("out", fc.Out, &cfg.Out)
	str("store-kind", fc.StoreKind, &cfg.StoreKind)
	str("store-dsn", fc.StoreDSN, &cfg.StoreDSN)
	str("table", fc.Table, &cfg.Table)
	str("origin", fc.Origin, &cfg.Origin)
	str("metrics-backend", fc.MetricsBackend, &cfg.MetricsBackend)
	str("dd-tags", fc.DDTags, &cfg.DDTagsCSV)
	str("name", fc.JobName, &cfg.JobName)
	dur("timeout", fc.Timeout, &cfg.Timeout)
	dur("pre-delay", fc.PreDelay, &cfg.PreDelay)
	dur("max-wait", fc.MaxWait, &cfg.MaxWait)
	integer("max-attempts", fc.MaxAttempts, &cfg.MaxAttempts)
	integer("workers", fc.Workers, &cfg.Workers)
	if fc.RPS != nil && !set["rps"] {
		cfg.RPS = *fc.RPS
		applied["rps"] = true
	}
	if fc.Players != nil && !set["player"] {
		*playersCSV = strings.Join(fc.Players, ",")
		applied["player"] = true
	}
	if fc.Seasons != nil && !set["seasons"] {
		parts := make([]string, len(fc.Seasons))
		for i, y := range fc.Seasons {
			parts[i] = strconv.Itoa(y)
		}
		*seasonsCSV = strings.Join(parts, ",")
		applied["seasons"] = true
	}
	return applied
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSeasons(s string) ([]int, error) {
	var out []int
	for _, p := range splitCSV(s) {
		y, err := strconv.Atoi(p)
		if err != nil || y < 1900 || y > 2999 {
			return nil, fmt.Errorf("invalid season %q (want an ending year like 2024)", p)
		}
		out = append(out, y)
	}
	return out, nil
}

// defaultSeason names a season by the year it ends in; from October on the
// upcoming season is the current one.
func defaultSeason(now time.Time) int {
	if now.Month() >= time.October {
		return now.Year() + 1
	}
	return now.Year()
}
