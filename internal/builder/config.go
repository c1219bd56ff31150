package builder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/pelletier/go-toml/v2"
	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"
)

var defaultProfiles = map[string]ProfileSection{
	"release": {
		OptLevel: int64(2),
	},
	"debug": {
		OptLevel: "", // no -O
		Cflags:   []string{"-g"},
	},
}

// Config is a parsed Mission.toml (or Mission.yaml).
type Config struct {
	Mission      MissionSection            `toml:"mission"`
	Profile      map[string]ProfileSection `toml:"profile"`
	Arch         map[string]ArchSection    `toml:"arch"`
	Units        []UnitSection             `toml:"unit"`
	Stubs        []StubSection             `toml:"stub"`
	Coverage     CoverageSection           `toml:"coverage"`
	Targets      []TargetSection           `toml:"target"`
	Dependencies map[string][]string       `toml:"dependencies"`
}

func (c Config) Profiles() []string {
	profiles := make([]string, 0, len(c.Profile))
	for k := range c.Profile {
		profiles = append(profiles, k)
	}
	slices.Sort(profiles)
	return profiles
}

// ProfileSection defines the [profile.*] section
type ProfileSection struct {
	OptLevel any      `toml:"opt-level"` // integer or string, e.g. 2 or "s"
	Cflags   []string `toml:"cflags"`
}

func (p ProfileSection) optLevel() string {
	switch v := p.OptLevel.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	default:
		return ""
	}
}

// MissionSection defines the [mission] section
type MissionSection struct {
	Name   string `toml:"name"`
	Defs   string `toml:"defs"`
	Source string `toml:"source"`
}

// ArchSection defines the toolchain of an [arch.*] section
type ArchSection struct {
	Prefix    string   `toml:"prefix"`
	Cflags    []string `toml:"cflags"`
	Ldflags   []string `toml:"ldflags"`
	Converter string   `toml:"converter"`
}

// UnitSection defines one [[unit]]
type UnitSection struct {
	Name           string            `toml:"name"`
	Kind           string            `toml:"kind"`
	Dir            string            `toml:"dir"`
	Fetch          string            `toml:"fetch"`
	Sources        []string          `toml:"sources"`
	Headers        []string          `toml:"headers"`
	PrivateHeaders []string          `toml:"private_headers"`
	Defines        map[string]string `toml:"defines"`
	PrivateDefines map[string]string `toml:"private_defines"`
	Depends        []string          `toml:"depends"`
	Tables         []string          `toml:"tables"`
	Links          []string          `toml:"links"`
	Cflags         []string          `toml:"cflags"`
	Link           string            `toml:"link"`
	Coverage       []TestSection     `toml:"coverage"`
	Build          string            `toml:"build"`
}

// TestSection defines a [[unit.coverage]] test
type TestSection struct {
	Name      string   `toml:"name"`
	Sources   []string `toml:"sources"`
	Tests     []string `toml:"tests"`
	Overrides []string `toml:"overrides"`
}

// StubSection defines one [[stub]]
type StubSection struct {
	Module  string   `toml:"module"`
	Sources []string `toml:"sources"`
}

// CoverageSection defines the [coverage] section
type CoverageSection struct {
	Arch          string   `toml:"arch"`
	AssertSources []string `toml:"assert_sources"`
	AssertHeaders []string `toml:"assert_headers"`
}

// TargetSection defines one [[target]]
type TargetSection struct {
	Name          string   `toml:"name"`
	Arch          string   `toml:"arch"`
	Core          string   `toml:"core"`
	StaticApps    []string `toml:"static_apps"`
	Apps          []string `toml:"apps"`
	InstallSubdir string   `toml:"install_subdir"`
}

// mergeStructs merges the fields of the src struct into the dst struct
func mergeStructs(dst, src any) error {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer || dstVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dst must be a pointer to a struct")
	}

	dstElem := dstVal.Elem()
	srcVal := reflect.ValueOf(src)

	if srcVal.Kind() == reflect.Pointer {
		srcVal = srcVal.Elem()
	}

	if srcVal.Kind() != reflect.Struct {
		return fmt.Errorf("src must be a struct or a pointer to a struct")
	}

	if dstElem.Type() != srcVal.Type() {
		return fmt.Errorf("dst and src must be of the same struct type")
	}

	for i := range srcVal.NumField() {
		srcField := srcVal.Field(i)
		dstField := dstElem.Field(i)

		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Slice:
			if !srcField.IsNil() {
				dstField.Set(reflect.AppendSlice(dstField, srcField))
			}
		case reflect.Map:
			if !srcField.IsNil() {
				if dstField.IsNil() {
					dstField.Set(reflect.MakeMap(dstField.Type()))
				}
				for _, key := range srcField.MapKeys() {
					dstField.SetMapIndex(key, srcField.MapIndex(key))
				}
			}
		case reflect.Bool:
			dstField.SetBool(dstField.Bool() || srcField.Bool())
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}

	return nil
}

// mergeInto merges src into dst, merging struct values field by field and map entries key by key.
func mergeInto[T any](dst *T, src T) error {
	dstVal := reflect.ValueOf(dst).Elem()
	switch dstVal.Kind() {
	case reflect.Struct:
		return mergeStructs(dst, src)
	case reflect.Map:
		srcVal := reflect.ValueOf(src)
		if srcVal.IsNil() {
			return nil
		}
		if dstVal.IsNil() {
			dstVal.Set(reflect.MakeMap(dstVal.Type()))
		}
		for _, key := range srcVal.MapKeys() {
			merged := reflect.New(dstVal.Type().Elem())
			if existing := dstVal.MapIndex(key); existing.IsValid() {
				merged.Elem().Set(existing)
			}
			if merged.Elem().Kind() == reflect.Struct {
				if err := mergeStructs(merged.Interface(), srcVal.MapIndex(key).Interface()); err != nil {
					return err
				}
			} else {
				merged.Elem().Set(srcVal.MapIndex(key))
			}
			dstVal.SetMapIndex(key, merged.Elem())
		}
		return nil
	default:
		dstVal.Set(reflect.ValueOf(src))
		return nil
	}
}

func mustMarshal(v any) string {
	b, err := toml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// isCondition reports whether a sub-table key is an expression rather than a field name.
func isCondition(key string, env ConfigEnv) bool {
	_, err := expr.Compile(key, expr.Env(env), expr.AsBool())
	return err == nil
}

// decodeConditional parses a table, evaluates its conditional sub-tables and merges the
// matching ones into dst. Conditions are applied in sorted order so the result is stable.
func decodeConditional[T any](sectionMap map[string]any, name string, dst *T, env ConfigEnv) error {
	baseFields := make(map[string]any)
	conditionalFields := make(map[string]map[string]any)

	for key, val := range sectionMap {
		if subMap, ok := val.(map[string]any); ok && isCondition(key, env) {
			conditionalFields[key] = subMap
		} else {
			baseFields[key] = val
		}
	}

	if len(baseFields) > 0 {
		if err := toml.Unmarshal([]byte(mustMarshal(baseFields)), dst); err != nil {
			return fmt.Errorf("failed to parse base [%s] section: %w", name, err)
		}
	}

	conditions := make([]string, 0, len(conditionalFields))
	for expression := range conditionalFields {
		conditions = append(conditions, expression)
	}
	slices.Sort(conditions)

	for _, expression := range conditions {
		program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
		if err != nil {
			return fmt.Errorf("failed to compile expression for [%s.%q]: %w", name, expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("failed to run expression for [%s.%q]: %w", name, expression, err)
		}

		// merge sections if the result is true
		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		var condSection T
		if err := toml.Unmarshal([]byte(mustMarshal(conditionalFields[expression])), &condSection); err != nil {
			return fmt.Errorf("failed to parse conditional section [%s.%q]: %w", name, expression, err)
		}
		if err := mergeInto(dst, condSection); err != nil {
			return fmt.Errorf("failed to merge conditional section [%s.%q]: %w", name, expression, err)
		}
	}

	return nil
}

// unmarshalConditionalSection is a helper to parse, evaluate and merge a top-level table
func unmarshalConditionalSection[T any](rawCfg map[string]any, name string, dst *T, env ConfigEnv) error {
	sectionData, ok := rawCfg[name]
	if !ok {
		return nil
	}

	sectionMap, ok := sectionData.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid [%s] section format: expected a table", name)
	}
	return decodeConditional(sectionMap, name, dst, env)
}

// unmarshalConditionalArray parses an array of tables ([[name]]), keeping declaration order.
func unmarshalConditionalArray[T any](rawCfg map[string]any, name string, env ConfigEnv) ([]T, error) {
	data, ok := rawCfg[name]
	if !ok {
		return nil, nil
	}

	var items []any
	switch v := data.(type) {
	case []any:
		items = v
	case []map[string]any:
		for _, m := range v {
			items = append(items, m)
		}
	default:
		return nil, fmt.Errorf("invalid [[%s]] section format: expected an array of tables", name)
	}

	out := make([]T, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid [[%s]] entry %d: expected a table", name, i)
		}
		var dst T
		if err := decodeConditional(m, fmt.Sprintf("%s.%d", name, i), &dst, env); err != nil {
			return nil, err
		}
		out = append(out, dst)
	}
	return out, nil
}

var exprRegex = regexp.MustCompile(`\{\{(.+?)\}\}`)

// evaluateString finds and evaluates all {{...}} expressions in a string
func evaluateString(s string, env ConfigEnv) (string, error) {
	matches := exprRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var builder strings.Builder
	lastIndex := 0

	for _, matchIndexes := range matches {
		fullMatchStart := matchIndexes[0]
		fullMatchEnd := matchIndexes[1]
		expressionStart := matchIndexes[2]
		expressionEnd := matchIndexes[3]

		builder.WriteString(s[lastIndex:fullMatchStart])

		expression := strings.TrimSpace(s[expressionStart:expressionEnd])
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return "", fmt.Errorf("failed to compile expression %q: %w", expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return "", fmt.Errorf("failed to run expression %q: %w", expression, err)
		}

		builder.WriteString(fmt.Sprintf("%v", result))
		lastIndex = fullMatchEnd
	}

	builder.WriteString(s[lastIndex:])

	return builder.String(), nil
}

// processExpressions recursively walks the parsed config and evaluates expressions in strings.
// Unit build scripts are expressions themselves and are left alone.
func processExpressions(data any, env ConfigEnv) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			if key == "build" {
				continue
			}
			processedVal, err := processExpressions(val, env)
			if err != nil {
				return nil, err
			}
			v[key] = processedVal
		}
		return v, nil
	case []any:
		for i, item := range v {
			processedItem, err := processExpressions(item, env)
			if err != nil {
				return nil, err
			}
			v[i] = processedItem
		}
		return v, nil
	case []map[string]any:
		for _, item := range v {
			if _, err := processExpressions(item, env); err != nil {
				return nil, err
			}
		}
		return v, nil
	case string:
		return evaluateString(v, env)
	default:
		return data, nil
	}
}

// Format is the syntax of a mission file.
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

func decodeRaw(rdr io.Reader, format Format) (map[string]any, error) {
	var rawConfig map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(rdr).Decode(&rawConfig); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		dec := toml.NewDecoder(rdr)
		if err := dec.Decode(&rawConfig); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				return nil, errors.New(derr.String())
			}
			return nil, err
		}
	}
	if rawConfig == nil {
		rawConfig = make(map[string]any)
	}
	return rawConfig, nil
}

func ParseConfig(rdr io.Reader, format Format, env ConfigEnv) (*Config, error) {
	rawConfig, err := decodeRaw(rdr, format)
	if err != nil {
		return nil, err
	}

	processedConfig, err := processExpressions(rawConfig, env)
	if err != nil {
		return nil, fmt.Errorf("error processing expressions in config: %w", err)
	}
	rawConfig = processedConfig.(map[string]any)

	cfg := new(Config)
	cfg.Profile = make(map[string]ProfileSection, len(defaultProfiles))
	for name, prof := range defaultProfiles {
		prof.Cflags = slices.Clone(prof.Cflags)
		cfg.Profile[name] = prof
	}

	if err := unmarshalConditionalSection(rawConfig, "mission", &cfg.Mission, env); err != nil {
		return nil, err
	}
	var profiles map[string]ProfileSection
	if err := unmarshalConditionalSection(rawConfig, "profile", &profiles, env); err != nil {
		return nil, err
	}
	if err := mergeInto(&cfg.Profile, profiles); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "arch", &cfg.Arch, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "coverage", &cfg.Coverage, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "dependencies", &cfg.Dependencies, env); err != nil {
		return nil, err
	}
	if cfg.Units, err = unmarshalConditionalArray[UnitSection](rawConfig, "unit", env); err != nil {
		return nil, err
	}
	if cfg.Stubs, err = unmarshalConditionalArray[StubSection](rawConfig, "stub", env); err != nil {
		return nil, err
	}
	if cfg.Targets, err = unmarshalConditionalArray[TargetSection](rawConfig, "target", env); err != nil {
		return nil, err
	}

	if cfg.Mission.Source == "" {
		cfg.Mission.Source = "."
	}
	return cfg, nil
}

// ParseConfigFromFile parses a mission file, choosing the syntax by extension
func ParseConfigFromFile(path string, env ConfigEnv) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	format := FormatTOML
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		format = FormatYAML
	}
	return ParseConfig(bufio.NewReader(f), format, env)
}

//
// expr-lang helpers
//

// RunBuildScript runs a unit's pre-build expression with env rooted at the unit directory.
func (u UnitSection) RunBuildScript(env ConfigEnv) error {
	if u.Build == "" {
		return nil
	}

	program, err := expr.Compile(u.Build, expr.Env(env))
	if err != nil {
		return fmt.Errorf("failed to compile build script for unit %q: %w", u.Name, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return fmt.Errorf("failed to run build script for unit %q: %w", u.Name, err)
	}

	if result, ok := result.(bool); !ok || !result {
		return fmt.Errorf("build script for unit %q returned false\n%s", u.Name, u.Build)
	}

	return nil
}

type ConfigEnv struct {
	TargetOS   string            `expr:"target_os"`
	TargetArch string            `expr:"target_arch"`
	Profile    string            `expr:"profile"`
	Environ    map[string]string `expr:"environ"`
	basedir    string
}

func NewConfigEnv(basedir, profile string) ConfigEnv {
	environ := make(map[string]string)
	for _, e := range os.Environ() {
		if i := strings.Index(e, "="); i >= 0 {
			environ[e[:i]] = e[i+1:]
		}
	}

	return ConfigEnv{
		TargetOS:   runtime.GOOS,
		TargetArch: runtime.GOARCH,
		Profile:    profile,
		Environ:    environ,
		basedir:    basedir,
	}
}

// In returns a copy of env whose file helpers are rooted at dir.
func (env ConfigEnv) In(dir string) ConfigEnv {
	env.basedir = dir
	return env
}

func (env ConfigEnv) resolve(path string) (string, error) {
	fullPath := filepath.Join(env.basedir, path)
	rel, err := filepath.Rel(env.basedir, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside of unit directory %q", path, env.basedir)
	}
	return fullPath, nil
}

// Patch applies a diff-match-patch patch to a file of the unit. It reports whether any hunk applied.
func (env ConfigEnv) Patch(path, patchText string) (bool, error) {
	fullPath, err := env.resolve(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return false, err
	}
	origText := string(data)

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return false, fmt.Errorf("invalid patch for %s: %w", path, err)
	}
	patchedText, results := dmp.PatchApply(patches, origText)
	if !slices.Contains(results, true) {
		return false, nil // nothing was applied, nothing to write
	}

	if err := os.WriteFile(fullPath, []byte(patchedText), 0644); err != nil {
		return false, err
	}
	return true, nil
}

func (env ConfigEnv) ReadFile(path string) (string, error) {
	fullPath, err := env.resolve(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// WriteFile writes a generated file into the unit, e.g. a version header.
func (env ConfigEnv) WriteFile(path, content string) (bool, error) {
	fullPath, err := env.resolve(path)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		return false, err
	}
	return true, nil
}
