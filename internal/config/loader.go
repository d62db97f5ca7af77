package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/imputeflow/pkg/match"
	"github.com/3leaps/imputeflow/pkg/pipeline"
	"github.com/3leaps/imputeflow/pkg/poll"
	"github.com/3leaps/imputeflow/pkg/throttle"
)

// Identity names the application for config files and env vars.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the imputeflow identity.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "imputeflow", EnvPrefix: "IMPUTEFLOW_", ConfigName: "imputeflow"}
}

// EnvSpec maps an environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *Identity
)

// Load builds the configuration from defaults, config files, environment
// and overrides. Later overrides win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file replacing the search.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	files := []string{path}
	if path == "" {
		files = searchPaths()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if isSchemaChecked(f) {
			if err := ValidateFile(f); err != nil {
				return nil, err
			}
		}
		v.SetConfigFile(f)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", f, err)
		}
	}

	prefix := strings.TrimSuffix(appIdentity.EnvPrefix, "_")
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		byteSizeHook(),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.settings = v.AllSettings()

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// isSchemaChecked reports whether f is a format the config schema covers.
func isSchemaChecked(f string) bool {
	switch strings.ToLower(filepath.Ext(f)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	def := pipeline.DefaultConfig()

	v.SetDefault("run.prefix", "")
	v.SetDefault("run.reference", "1000GP_Phase3")
	for _, role := range []string{"input", "work", "chromosomes", "scheduler_logs", "phasing_logs", "imputed", "output", "reference"} {
		v.SetDefault("run.folders."+role, "")
	}
	v.SetDefault("run.self", "")
	v.SetDefault("run.cancel_on_abort", false)

	v.SetDefault("cleanup.remove_intermediates", false)
	v.SetDefault("cleanup.remove_partition_outputs", false)

	v.SetDefault("scheduler.backend", BackendSlurm)
	v.SetDefault("scheduler.partition", "")
	v.SetDefault("scheduler.account", "")
	v.SetDefault("scheduler.qos", "")
	v.SetDefault("scheduler.slurm.sbatch", "sbatch")
	v.SetDefault("scheduler.slurm.squeue", "squeue")
	v.SetDefault("scheduler.slurm.scancel", "scancel")
	v.SetDefault("scheduler.slurm.user", "")
	v.SetDefault("scheduler.slurm.query_rate", 1.0)
	v.SetDefault("scheduler.slurm.query_timeout", "60s")
	v.SetDefault("scheduler.local.max_parallel", 0)

	v.SetDefault("throttle.limit", throttle.DefaultLimit)
	v.SetDefault("throttle.interval", throttle.DefaultInterval.String())
	v.SetDefault("throttle.scope", pipeline.ScopeUser)

	v.SetDefault("poll.grace", poll.DefaultGrace.String())
	v.SetDefault("poll.confirm_delay", poll.DefaultConfirmDelay.String())
	v.SetDefault("poll.short_interval", def.Poll.ShortInterval.String())
	v.SetDefault("poll.long_interval", def.Poll.LongInterval.String())
	v.SetDefault("poll.match", pipeline.MatchIDs)

	v.SetDefault("validation.encoded_min_size", "10MB")
	v.SetDefault("validation.merged_min_size", "1MB")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.namespace", "imputeflow")

	v.SetDefault("batch.limit", 0)
	v.SetDefault("batch.chain", false)
	v.SetDefault("batch.resources.cpus", 1)
	v.SetDefault("batch.resources.memory_mb", 2048)
	v.SetDefault("batch.resources.walltime", "168h")

	v.SetDefault("state.dir", "")
}

// getEnvSpecs lists short environment names beyond the automatic
// IMPUTEFLOW_<SECTION>_<KEY> mapping.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}
	p := id.EnvPrefix
	return []EnvSpec{
		{Name: p + "PREFIX", Path: "run.prefix"},
		{Name: p + "REFERENCE", Path: "run.reference"},
		{Name: p + "WORK_DIR", Path: "run.folders.work"},
		{Name: p + "OUTPUT_DIR", Path: "run.folders.output"},
		{Name: p + "BACKEND", Path: "scheduler.backend"},
		{Name: p + "PARTITION", Path: "scheduler.partition"},
		{Name: p + "ACCOUNT", Path: "scheduler.account"},
		{Name: p + "MAX_PARALLEL", Path: "scheduler.local.max_parallel"},
		{Name: p + "QUERY_RATE", Path: "scheduler.slurm.query_rate"},
		{Name: p + "QUEUE_LIMIT", Path: "throttle.limit"},
		{Name: p + "POLL_MATCH", Path: "poll.match"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "LOG_FILE", Path: "logging.file"},
		{Name: p + "METRICS_ADDR", Path: "metrics.addr"},
		{Name: p + "STATE_DIR", Path: "state.dir"},
	}
}

// SearchPaths lists the config files Load merges, lowest precedence
// first. Missing files are skipped.
func SearchPaths() []string { return searchPaths() }

func searchPaths() []string {
	paths := getUserConfigPaths()
	if root, err := findProjectRoot(); err == nil {
		paths = append(paths, filepath.Join(root, configFileName()))
	}
	if cwd, err := os.Getwd(); err == nil {
		p := filepath.Join(cwd, configFileName())
		if len(paths) == 0 || paths[len(paths)-1] != p {
			paths = append(paths, p)
		}
	}
	return paths
}

func configFileName() string {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return "imputeflow.yaml"
	}
	return appIdentity.ConfigName + ".yaml"
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName, id.ConfigName+".yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+id.ConfigName+".yaml"))
	}
	return paths
}

var projectMarkers = []string{"imputeflow.yaml", ".git", "go.mod"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding a project marker. The walk stops at $HOME, or in CI at
// the workspace the CI system names. Without a marker it returns the
// working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	boundary := ciBoundary(cwd)
	if boundary == "" {
		if home, err := os.UserHomeDir(); err == nil && within(home, cwd) {
			boundary = home
		}
	}

	dir := cwd
	for {
		for _, m := range projectMarkers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func ciBoundary(cwd string) string {
	if os.Getenv("CI") != "true" && os.Getenv("GITHUB_ACTIONS") != "true" {
		return ""
	}
	for _, name := range []string{"IMPUTEFLOW_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
		dir := os.Getenv(name)
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			continue
		}
		if within(filepath.Clean(dir), cwd) {
			return filepath.Clean(dir)
		}
	}
	return ""
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			n, err := match.ParseSize(val)
			if err != nil {
				return nil, err
			}
			return ByteSize(n), nil
		default:
			return data, nil
		}
	}
}
