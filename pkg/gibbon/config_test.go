package gibbon_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskauth/gibbon/pkg/gibbon"
)

// isolatedEnv points the global config lookup at an empty directory so
// tests never pick up the developer's real config.
func isolatedEnv(t *testing.T) []string {
	t.Helper()

	return []string{"XDG_CONFIG_HOME=" + t.TempDir()}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func Test_LoadConfig_Returns_Defaults_When_No_File_Exists(t *testing.T) {
	t.Parallel()

	cfg, sources, err := gibbon.LoadConfig(t.TempDir(), "", isolatedEnv(t))
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(gibbon.DefaultConfig(), cfg))
	assert.Empty(t, sources.Global)
	assert.Empty(t, sources.Project)
}

func Test_LoadConfig_Reads_Project_File_With_Comments(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, gibbon.ConfigFileName), `{
		// JSONC is fine
		"dbName": "authz",
		"permissionByteLength": 2,
	}`)

	cfg, sources, err := gibbon.LoadConfig(workDir, "", isolatedEnv(t))
	require.NoError(t, err)

	assert.Equal(t, "authz", cfg.DBName)
	assert.Equal(t, 2, cfg.PermissionByteLength)
	assert.Equal(t, 128, cfg.GroupByteLength, "unset fields keep defaults")
	assert.Equal(t, filepath.Join(workDir, gibbon.ConfigFileName), sources.Project)
}

func Test_LoadConfig_Explicit_Path_Overrides_Project_File(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, gibbon.ConfigFileName), `{"dbName": "project"}`)
	writeFile(t, filepath.Join(workDir, "explicit.json"), `{"dbName": "explicit"}`)

	cfg, _, err := gibbon.LoadConfig(workDir, "explicit.json", isolatedEnv(t))
	require.NoError(t, err)

	assert.Equal(t, "explicit", cfg.DBName)
}

func Test_LoadConfig_Returns_Error_When_Explicit_Path_Missing(t *testing.T) {
	t.Parallel()

	_, _, err := gibbon.LoadConfig(t.TempDir(), "nope.json", isolatedEnv(t))
	require.ErrorIs(t, err, gibbon.ErrConfigNotFound)
	assert.Contains(t, err.Error(), "gibbon init", "error must point at the init command")
}

func Test_LoadConfig_Global_Config_Applies_Below_Project(t *testing.T) {
	t.Parallel()

	xdg := t.TempDir()
	writeFile(t, filepath.Join(xdg, "gibbon", "config.json"),
		`{"dbName": "global", "mutationConcurrency": 3}`)

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, gibbon.ConfigFileName), `{"dbName": "project"}`)

	cfg, sources, err := gibbon.LoadConfig(workDir, "", []string{"XDG_CONFIG_HOME=" + xdg})
	require.NoError(t, err)

	assert.Equal(t, "project", cfg.DBName, "project file wins over global")
	assert.Equal(t, 3, cfg.MutationConcurrency, "global-only fields survive")
	assert.NotEmpty(t, sources.Global)
}

func Test_LoadConfig_Returns_Error_When_File_Invalid(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, gibbon.ConfigFileName), `{"dbName": `)

	_, _, err := gibbon.LoadConfig(workDir, "", isolatedEnv(t))
	require.ErrorIs(t, err, gibbon.ErrConfigInvalid)
}

func Test_Config_Validate_Rejects_Bad_Values(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(*gibbon.Config)
	}{
		{name: "EmptyDBName", mutate: func(c *gibbon.Config) { c.DBName = "" }},
		{name: "ZeroPermissionBytes", mutate: func(c *gibbon.Config) { c.PermissionByteLength = 0 }},
		{name: "NegativeGroupBytes", mutate: func(c *gibbon.Config) { c.GroupByteLength = -1 }},
		{name: "ZeroConcurrency", mutate: func(c *gibbon.Config) { c.MutationConcurrency = 0 }},
		{name: "EmptyUserCollection", mutate: func(c *gibbon.Config) {
			c.DBStructure.User.CollectionName = ""
		}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := gibbon.DefaultConfig()
			testCase.mutate(&cfg)

			require.ErrorIs(t, cfg.Validate(), gibbon.ErrConfigInvalid)
		})
	}
}

func Test_FormatConfig_Round_Trips(t *testing.T) {
	t.Parallel()

	formatted, err := gibbon.FormatConfig(gibbon.DefaultConfig())
	require.NoError(t, err)

	parsed, err := gibbon.ParseConfig([]byte(formatted))
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(gibbon.DefaultConfig(), parsed))
}
