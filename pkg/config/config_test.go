package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgcrab.toml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadProxyCfgDefaults(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `
[[shards]]
name = "sh1"
host = "10.0.0.1"
user = "crab"
password = "secret"

[[users]]
username = "app"
password = "hunter2"
`)

	assert.NoError(config.LoadProxyCfg(path))

	cfg := config.ProxyConfig()
	assert.Equal("localhost", cfg.Host)
	assert.Equal("6432", cfg.Port)
	assert.Equal(config.ParseConflictStrict, cfg.ParseConflictPolicy)

	assert.Len(cfg.Shards, 1)
	sh := cfg.Shards[0]
	assert.Equal(uint16(5432), sh.Port)
	assert.Equal(0, sh.MinConnections)
	assert.Equal(10, sh.MaxConnections)
	assert.Equal("10.0.0.1:5432", sh.Addr())

	assert.Len(cfg.Users, 1)
}

func TestLoadProxyCfgExplicitValues(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `
host = "0.0.0.0"
port = "7000"
parse_conflict_policy = "replace"

[[shards]]
name = "sh1"
host = "db1"
port = 5433
user = "crab"
password = "secret"
min_connections = 2
max_connections = 4
`)

	assert.NoError(config.LoadProxyCfg(path))

	cfg := config.ProxyConfig()
	assert.Equal("0.0.0.0", cfg.Host)
	assert.Equal("7000", cfg.Port)
	assert.Equal(config.ParseConflictReplace, cfg.ParseConflictPolicy)
	assert.Equal(uint16(5433), cfg.Shards[0].Port)
	assert.Equal(2, cfg.Shards[0].MinConnections)
	assert.Equal(4, cfg.Shards[0].MaxConnections)
}

func TestLoadProxyCfgErrors(t *testing.T) {
	for name, body := range map[string]string{
		"no shards": `
[[users]]
username = "app"
password = "x"
`,
		"shard missing host": `
[[shards]]
name = "sh1"
user = "crab"
password = "x"
`,
		"shard missing password": `
[[shards]]
name = "sh1"
host = "db1"
user = "crab"
`,
		"duplicate shard": `
[[shards]]
name = "sh1"
host = "db1"
user = "crab"
password = "x"

[[shards]]
name = "sh1"
host = "db2"
user = "crab"
password = "x"
`,
		"duplicate user": `
[[shards]]
name = "sh1"
host = "db1"
user = "crab"
password = "x"

[[users]]
username = "app"
password = "x"

[[users]]
username = "app"
password = "y"
`,
		"bad conflict policy": `
parse_conflict_policy = "ask-again"

[[shards]]
name = "sh1"
host = "db1"
user = "crab"
password = "x"
`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, config.LoadProxyCfg(writeConfig(t, body)))
		})
	}
}

func TestLoadUsersCfg(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `
[[users]]
username = "app"
password = "hunter2"

[[users]]
username = "batch"
password = "s3cret"
`)

	users, err := config.LoadUsersCfg(path)
	assert.NoError(err)
	assert.Len(users, 2)
	assert.Equal("app", users[0].Username)
	assert.Equal("batch", users[1].Username)
}

func TestLoadUsersCfgErrors(t *testing.T) {
	for name, body := range map[string]string{
		"duplicate user": `
[[users]]
username = "app"
password = "x"

[[users]]
username = "app"
password = "y"
`,
		"missing password": `
[[users]]
username = "app"
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadUsersCfg(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := config.LoadUsersCfg("/nonexistent/users.toml")
	assert.Error(t, err)
}

func TestMinClampedToMax(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `
[[shards]]
name = "sh1"
host = "db1"
user = "crab"
password = "x"
min_connections = 50
max_connections = 5
`)

	assert.NoError(config.LoadProxyCfg(path))
	assert.Equal(5, config.ProxyConfig().Shards[0].MinConnections)
}
