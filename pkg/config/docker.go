package config

import (
	"os"
	"sync"
)

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// dockerHostAlias reaches services published on the host machine from inside a container.
const dockerHostAlias = "host.docker.internal"

// IsRunningInDocker reports whether /.dockerenv exists. The result is cached.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// resolveLoopback maps loopback hosts to the Docker host alias when inContainer is set.
func resolveLoopback(host string, inContainer bool) string {
	if inContainer && (host == "localhost" || host == "127.0.0.1") {
		return dockerHostAlias
	}
	return host
}

// resolveServiceHosts points loopback Postgres and Redis hosts at the Docker host,
// so a containerized server can use databases started with the local scripts.
func (c *Config) resolveServiceHosts(inContainer bool) {
	c.Database.Host = resolveLoopback(c.Database.Host, inContainer)
	if c.Redis.Host != "" {
		c.Redis.Host = resolveLoopback(c.Redis.Host, inContainer)
	}
}
