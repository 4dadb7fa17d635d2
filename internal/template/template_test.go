package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogOrder(t *testing.T) {
	var names []string
	for _, cat := range DefaultCatalog().Categories() {
		names = append(names, cat.Name)
	}
	assert.Equal(t, []string{
		"Concentrator", "Appserver", "nConnect-Adapter", "Unload", "nConnect Mock", "MySQL", FileOperations,
	}, names)
}

func TestLookupIgnoresCase(t *testing.T) {
	c := DefaultCatalog()

	s, err := c.Lookup("concentrator", "clean")
	require.NoError(t, err)
	assert.Equal(t, "Concentrator", s.Category)
	assert.Equal(t, "Clean", s.Action)
	assert.Equal(t, CommandShortcut, s.Kind)

	s, err = c.Lookup("file operations", "copy from vm")
	require.NoError(t, err)
	assert.Equal(t, CopyFromVMShortcut, s.Kind)

	_, err = c.Lookup("Nope", "Start")
	assert.EqualError(t, err, "unknown shortcut category 'Nope'")

	_, err = c.Lookup("Unload", "Restart")
	assert.EqualError(t, err, "category 'Unload' has no action 'Restart'")
}

func TestRenderSudoShortcut(t *testing.T) {
	c := DefaultCatalog()
	s, err := c.Lookup("MySQL", "Restart")
	require.NoError(t, err)

	cmd, err := c.Render(s, map[string]string{"sudo_password": "s3cr'et"})
	require.NoError(t, err)
	assert.Equal(t, `echo 's3cr'"'"'et' | sudo -S systemctl restart mysqld`, cmd)

	_, err = c.Render(s, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'sudo_password' is required")
}

func TestRenderPlainShortcut(t *testing.T) {
	c := DefaultCatalog()
	s, err := c.Lookup("Unload", "Start")
	require.NoError(t, err)

	cmd, err := c.Render(s, nil)
	require.NoError(t, err)
	assert.Equal(t, "sh start-unload.sh", cmd)
}

func TestRenderAfterOverride(t *testing.T) {
	c := DefaultCatalog()
	s, err := c.Lookup("MySQL", "Stop")
	require.NoError(t, err)
	vars := map[string]string{"sudo_password": "pw"}

	cmd, err := c.Render(s, vars)
	require.NoError(t, err)
	assert.Equal(t, `echo 'pw' | sudo -S systemctl stop mysqld`, cmd)

	require.NoError(t, c.Merge(map[string]map[string]string{
		"MySQL": {"Stop": `echo {{ .SudoPassword | shellQuote }} | sudo -S systemctl stop mariadb`},
	}))
	s, err = c.Lookup("MySQL", "Stop")
	require.NoError(t, err)

	cmd, err = c.Render(s, vars)
	require.NoError(t, err)
	assert.Equal(t, `echo 'pw' | sudo -S systemctl stop mariadb`, cmd)
}

func TestRenderFileOperationFails(t *testing.T) {
	c := DefaultCatalog()
	s, err := c.Lookup(FileOperations, "Upload and Copy Files")
	require.NoError(t, err)

	_, err = c.Render(s, nil)
	require.Error(t, err)
}

func TestMerge(t *testing.T) {
	c := DefaultCatalog()
	err := c.Merge(map[string]map[string]string{
		"unload": {"stop": "sh stop-unload.sh --force", "Status": "sh status-unload.sh"},
		"Kafka":  {"Restart": `{{ varDefault .Vars "kafka_cmd" "systemctl restart kafka" }}`},
	})
	require.NoError(t, err)

	cats := c.Categories()
	assert.Equal(t, "Kafka", cats[len(cats)-2].Name)
	assert.Equal(t, FileOperations, cats[len(cats)-1].Name)

	s, err := c.Lookup("Unload", "Stop")
	require.NoError(t, err)
	assert.Equal(t, "sh stop-unload.sh --force", s.Command)

	s, err = c.Lookup("Unload", "status")
	require.NoError(t, err)
	assert.Equal(t, "Status", s.Action)

	s, err = c.Lookup("kafka", "restart")
	require.NoError(t, err)
	cmd, err := c.Render(s, map[string]string{"kafka_cmd": "kafka-restart"})
	require.NoError(t, err)
	assert.Equal(t, "kafka-restart", cmd)
}

func TestMergeRejectsBadInput(t *testing.T) {
	assert.Error(t, DefaultCatalog().Merge(map[string]map[string]string{"X": {"Y": "{{ .Broken"}}))
	assert.Error(t, DefaultCatalog().Merge(map[string]map[string]string{"X": {"Y": "  "}}))
	assert.Error(t, DefaultCatalog().Merge(map[string]map[string]string{"file operations": {"Y": "ls"}}))
}

func TestTemplateEngine(t *testing.T) {
	te := NewTemplateEngine()
	require.NoError(t, te.RegisterTemplate("greet", `{{ title .Action }} {{ upper (var .Vars "name") }}`))

	out, err := te.ExecuteTemplate("greet", NewTemplateContext("c", "hello world", map[string]string{"name": "ops"}))
	require.NoError(t, err)
	assert.Equal(t, "Hello World OPS", out)

	_, err = te.ExecuteTemplate("missing", TemplateContext{})
	require.Error(t, err)

	assert.True(t, IsTemplate("echo {{ .Action }}"))
	assert.False(t, IsTemplate("echo hi"))
	assert.Error(t, ValidateTemplate("{{ if }}"))
}
