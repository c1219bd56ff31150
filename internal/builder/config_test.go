package builder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseConfigString(s string, format Format, env ConfigEnv) (*Config, error) {
	return ParseConfig(strings.NewReader(s), format, env)
}

func testEnv(dir string) ConfigEnv {
	return ConfigEnv{
		TargetOS:   "linux",
		TargetArch: "amd64",
		Profile:    "debug",
		Environ:    map[string]string{"MISSION_VERSION": "6.8"},
		basedir:    dir,
	}
}

const sampleMission = `
[mission]
name = "sample"
defs = "sample_defs"

[profile.release]
opt-level = 3

[profile.size]
opt-level = "s"

[arch.arm]
prefix = "arm-linux-gnueabihf-"
cflags = ["-mcpu=cortex-a8"]

[[unit]]
name = "osal"
kind = "library"
sources = ["src/*.c"]
defines = { OSAL_VERSION = "{{ environ.MISSION_VERSION }}" }

  [unit.'target_os == "linux"']
  sources = ["src/posix/*.c"]
  links = ["pthread"]

  [unit.'target_os == "windows"']
  links = ["ws2_32"]

[[unit]]
name = "sch"
kind = "module"
depends = ["osal"]
tables = ["fsw/tables/sch_def_msgtbl.c"]
build = "true"

  [[unit.coverage]]
  name = "sch"
  sources = ["fsw/src/sch.c"]
  tests = ["unit-test/sch_test.c"]

[[stub]]
module = "osal"
sources = ["ut-stubs/osal_stubs.c"]

[[target]]
name = "cpu1"
arch = "arm"
core = "core"
apps = ["sch"]
install_subdir = "cf"

[[target]]
name = "cpu2"
arch = "arm"

[dependencies]
sch = ["osal"]
`

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfigString(sampleMission, FormatTOML, testEnv(t.TempDir()))
	require.NoError(t, err)

	assert.Equal(t, "sample", cfg.Mission.Name)
	assert.Equal(t, "sample_defs", cfg.Mission.Defs)
	assert.Equal(t, ".", cfg.Mission.Source)

	assert.Equal(t, "arm-linux-gnueabihf-", cfg.Arch["arm"].Prefix)
	assert.Equal(t, []string{"-mcpu=cortex-a8"}, cfg.Arch["arm"].Cflags)

	require.Len(t, cfg.Units, 2)
	osal := cfg.Units[0]
	assert.Equal(t, "osal", osal.Name)
	assert.Equal(t, []string{"src/*.c", "src/posix/*.c"}, osal.Sources)
	assert.Equal(t, []string{"pthread"}, osal.Links)
	assert.Equal(t, map[string]string{"OSAL_VERSION": "6.8"}, osal.Defines)

	sch := cfg.Units[1]
	assert.Equal(t, "module", sch.Kind)
	assert.Equal(t, "true", sch.Build)
	require.Len(t, sch.Coverage, 1)
	assert.Equal(t, []string{"unit-test/sch_test.c"}, sch.Coverage[0].Tests)

	require.Len(t, cfg.Stubs, 1)
	assert.Equal(t, "osal", cfg.Stubs[0].Module)

	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, "cpu1", cfg.Targets[0].Name)
	assert.Equal(t, []string{"sch"}, cfg.Targets[0].Apps)
	assert.Equal(t, "cpu2", cfg.Targets[1].Name)

	assert.Equal(t, map[string][]string{"sch": {"osal"}}, cfg.Dependencies)
}

func TestParseConfig_Profiles(t *testing.T) {
	cfg, err := parseConfigString(sampleMission, FormatTOML, testEnv(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, []string{"debug", "release", "size"}, cfg.Profiles())

	b := &Builder{cfg: cfg}
	tests := []struct {
		profile string
		want    []string
	}{
		{"debug", []string{"-g"}},
		{"release", []string{"-O3"}},
		{"size", []string{"-Os"}},
	}
	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			cflags, err := b.makeCflags(tt.profile)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cflags)
		})
	}

	_, err = b.makeCflags("fast")
	require.ErrorContains(t, err, "unknown profile")
}

func TestParseConfig_DefaultProfilesNotShared(t *testing.T) {
	_, err := parseConfigString(`
[profile.debug]
cflags = ["-ggdb"]
`, FormatTOML, testEnv(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, []string{"-g"}, defaultProfiles["debug"].Cflags)
}

func TestParseConfig_YAML(t *testing.T) {
	cfg, err := parseConfigString(`
mission:
  name: sample
arch:
  native:
    converter: ./tools/elf2cfetbl
unit:
  - name: osal
    sources: ["src/*.c"]
    defines:
      OSAL_PROFILE: "{{ profile }}"
  - name: core
    kind: executable
    depends: [osal]
target:
  - name: cpu1
    arch: native
    core: core
`, FormatYAML, testEnv(t.TempDir()))
	require.NoError(t, err)

	assert.Equal(t, "./tools/elf2cfetbl", cfg.Arch["native"].Converter)
	require.Len(t, cfg.Units, 2)
	assert.Equal(t, map[string]string{"OSAL_PROFILE": "debug"}, cfg.Units[0].Defines)
	assert.Equal(t, []string{"osal"}, cfg.Units[1].Depends)
	require.Len(t, cfg.Targets, 1)
	assert.Equal(t, "core", cfg.Targets[0].Core)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"syntax", "[mission\nname = 1"},
		{"bad expression", `[mission]
name = "{{ nope( }}"`},
		{"unit not a table", `unit = [1, 2]`},
		{"target not an array", `target = "cpu1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfigString(tt.doc, FormatTOML, testEnv(t.TempDir()))
			require.Error(t, err)
		})
	}
}

func TestRunBuildScript(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "version.txt"), []byte("6.8.0\n"), 0644))
	env := testEnv(dir)

	require.NoError(t, UnitSection{Name: "sch"}.RunBuildScript(env))
	require.NoError(t, UnitSection{Name: "sch", Build: `ReadFile("version.txt") startsWith "6.8"`}.RunBuildScript(env))

	err := UnitSection{Name: "sch", Build: `target_os == "windows"`}.RunBuildScript(env)
	require.ErrorContains(t, err, "returned false")

	require.NoError(t, UnitSection{
		Name:  "sch",
		Build: `WriteFile("gen/version.h", "#define SCH_VERSION 1")`,
	}.RunBuildScript(env))
	assert.FileExists(t, filepath.Join(dir, "gen", "version.h"))

	err = UnitSection{Name: "sch", Build: `ReadFile("../outside.txt") != ""`}.RunBuildScript(env)
	require.ErrorContains(t, err, "outside of unit directory")
}

func TestConfigEnv_Patch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.h")
	require.NoError(t, os.WriteFile(path, []byte("#define SCH_RATE 10\n"), 0644))
	env := testEnv(dir)

	patch := "@@ -13,8 +13,8 @@\n RATE 1\n-0\n+5\n %0A\n"
	applied, err := env.Patch("cfg.h", patch)
	require.NoError(t, err)
	assert.True(t, applied)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#define SCH_RATE 15\n", string(data))

	_, err = env.Patch("missing.h", patch)
	require.Error(t, err)
}

func TestMergeInto_MapOfStructs(t *testing.T) {
	dst := map[string]ProfileSection{"debug": {Cflags: []string{"-g"}}}
	require.NoError(t, mergeInto(&dst, map[string]ProfileSection{
		"debug": {Cflags: []string{"-fsanitize=address"}},
		"fast":  {OptLevel: int64(3)},
	}))
	assert.Equal(t, []string{"-g", "-fsanitize=address"}, dst["debug"].Cflags)
	assert.Equal(t, "3", dst["fast"].optLevel())
}
