package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
)

const baseJSON = `{
	"run": "scan-42",
	"nats": {"url": "nats://broker:4222"},
	"timeouts": {"listing": "5s"},
	"queues": [{"name": "frames", "capacity": 16}],
	"filesets": {
		"raw": {"dir": "/data/raw", "prefix": "img_", "postfix": ".tif", "digits": 6, "check": true}
	},
	"stages": [
		{"name": "read", "kind": "fileread", "instances": 3, "fileset": "raw", "outputs": ["frames"]},
		{"name": "write", "kind": "filewrite", "inputs": ["frames"], "options": {"dir": "/out"}}
	]
}`

const overrideYAML = `
nats:
  subject_prefix: lab
timeouts:
  poll: 250ms
queues:
  - name: frames
    capacity: 4
    mode: merge
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader_LoadJSON(t *testing.T) {
	cfg, err := NewLoader().LoadFile(writeFile(t, "run.json", baseJSON))
	require.NoError(t, err)

	assert.Equal(t, "scan-42", cfg.Run)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "stagegrid", cfg.NATS.SubjectPrefix, "default kept")
	assert.Equal(t, DefaultBucket, cfg.NATS.Bucket)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Listing.Std())
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Election.Std())
	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, 3, cfg.Stages[0].Instances)
	assert.Equal(t, "/out", cfg.Stages[1].Options["dir"])
	assert.Equal(t, 6, cfg.Filesets["raw"].Digits)
}

func TestLoader_YAMLLayerOverrides(t *testing.T) {
	loader := NewLoader()
	loader.AddLayer(writeFile(t, "base.json", baseJSON))
	loader.AddLayer(writeFile(t, "site.yaml", overrideYAML))
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "lab", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL, "objects merge key by key")
	assert.Equal(t, 250*time.Millisecond, cfg.Timeouts.Poll.Std())
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Listing.Std())
	assert.Equal(t, []descriptor.QueueSpec{{Name: "frames", Capacity: 4, Mode: descriptor.ModeMerge}}, cfg.Queues,
		"arrays replace")
	assert.Len(t, cfg.Stages, 2)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("STAGEGRID_NATS_URL", "nats://env:4222")
	t.Setenv("STAGEGRID_RUN", "from-env")

	cfg, err := NewLoader().LoadFile(writeFile(t, "run.json", baseJSON))
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, "from-env", cfg.Run)
}

func TestLoader_RejectsBadFiles(t *testing.T) {
	_, err := NewLoader().LoadFile(writeFile(t, "run.toml", "run = 1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfiguration)

	_, err = NewLoader().LoadFile(writeFile(t, "run.json", `{"run": `))
	require.Error(t, err)

	_, err = NewLoader().LoadFile(writeFile(t, "run.json", `{"timeouts": {"poll": "soon"}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfiguration)

	_, err = NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoader_SchemaRejectsUnknownKeys(t *testing.T) {
	loader := NewLoader()
	loader.AddLayer(writeFile(t, "base.json", baseJSON))
	loader.AddLayer(writeFile(t, "typo.yaml", "timeouts:\n  listen: 5s\n"))
	loader.EnableValidation(true)

	_, err := loader.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfiguration)
	assert.Contains(t, err.Error(), "listen")

	// without validation the unknown key is ignored
	loader.EnableValidation(false)
	_, err = loader.Load()
	require.NoError(t, err)

	loader = NewLoader()
	loader.AddLayer(writeFile(t, "bad.json", `{"queues": [{"name": "q", "capacity": -1}]}`))
	loader.EnableValidation(true)
	_, err = loader.Load()
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Run:      "r1",
			Queues:   []descriptor.QueueSpec{{Name: "q"}},
			Filesets: map[string]descriptor.FilesetDescriptor{"fs": {Dir: "/d"}},
			Stages: []StageSpec{
				{Name: "src", Kind: "fileread", Fileset: "fs", Outputs: []string{"q"}},
				{Name: "dst", Kind: "discard", Inputs: []string{"q"}},
			},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing run", func(c *Config) { c.Run = "" }},
		{"run with dots", func(c *Config) { c.Run = "a.b" }},
		{"bad prefix", func(c *Config) { c.NATS.SubjectPrefix = "x y" }},
		{"no stages", func(c *Config) { c.Stages = nil }},
		{"stage without kind", func(c *Config) { c.Stages[0].Kind = "" }},
		{"unknown queue", func(c *Config) { c.Stages[1].Inputs = []string{"nope"} }},
		{"unknown fileset", func(c *Config) { c.Stages[0].Fileset = "nope" }},
		{"duplicate queue", func(c *Config) { c.Queues = append(c.Queues, descriptor.QueueSpec{Name: "q"}) }},
		{"two outputs", func(c *Config) {
			c.Queues = append(c.Queues, descriptor.QueueSpec{Name: "q2"})
			c.Stages[0].Outputs = []string{"q", "q2"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrConfiguration)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestConfig_Descriptors(t *testing.T) {
	cfg, err := NewLoader().LoadFile(writeFile(t, "run.json", baseJSON))
	require.NoError(t, err)

	set, err := cfg.Descriptors()
	require.NoError(t, err)
	require.Len(t, set.Stages, 4)

	for i := 0; i < 3; i++ {
		d := set.Stages[i]
		assert.Equal(t, i, d.Slot)
		assert.Equal(t, "fileread", d.Kind)
		assert.Equal(t, []string{"frames"}, d.Outputs)
		require.True(t, d.HasRank())
		assert.Equal(t, i, *d.Rank)
		require.NotNil(t, d.Fileset)
		assert.Equal(t, "raw", d.Fileset.Name)
	}
	assert.Equal(t, "read-1", set.Stages[1].Name)
	assert.Equal(t, "write", set.Stages[3].Name)
	assert.False(t, set.Stages[3].HasRank())
	assert.Equal(t, []int{0, 1, 2}, set.Producers("frames"))
	assert.Equal(t, descriptor.ModeRoundRobin, set.Queues["frames"].Mode)
}

func TestConfig_ComponentConfigs(t *testing.T) {
	cfg, err := NewLoader().LoadFile(writeFile(t, "run.json", baseJSON))
	require.NoError(t, err)

	cc := cfg.ControlConfig("node-a", "10.0.0.1:7000")
	assert.Equal(t, "scan-42", cc.Run)
	assert.Equal(t, descriptor.NodeID("node-a"), cc.Self)
	assert.Equal(t, "10.0.0.1:7000", cc.DataAddress)
	assert.Equal(t, 30*time.Second, cc.ElectionTimeout)

	oc := cfg.OrchestratorConfig()
	assert.Equal(t, "scan-42", oc.Run)
	assert.Equal(t, 5*time.Second, oc.ListingTimeout)
	assert.Equal(t, time.Second, oc.PollInterval)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	assert.Equal(t, time.Microsecond, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	out, err := Duration(2 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(out))
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": ["]", "{"], "b": {"c": "\"}"}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [1, 2]}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": {`)))

	deep := make([]byte, 0, 2*(maxJSONDepth+1))
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, '[')
	}
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, ']')
	}
	assert.Error(t, validateJSONDepth(deep))
}

func TestValidateEnvVar(t *testing.T) {
	assert.NoError(t, validateEnvVar("K", "nats://x:4222"))
	assert.Error(t, validateEnvVar("K", "a\x00b"))
}
