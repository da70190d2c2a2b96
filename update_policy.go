package main

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"theftguard/agent/agent"
)

// AgentVersion is the running agent build version, overridden at link time.
var AgentVersion = "1.4.0"

// agentOutdated reports whether the backend's advertised minimum agent
// version exceeds the running build. Unparseable versions on either side
// are treated as "not outdated"; the backend gets a usable flag or nothing.
func agentOutdated(minVersion string) bool {
	minVersion = strings.TrimSpace(minVersion)
	if minVersion == "" {
		return false
	}
	min, err := semver.NewVersion(strings.TrimPrefix(minVersion, "v"))
	if err != nil {
		agent.DebugCtx("unparseable min_agent_version from backend", "value", minVersion)
		return false
	}
	current, err := semver.NewVersion(strings.TrimPrefix(AgentVersion, "v"))
	if err != nil {
		return false
	}
	return current.LessThan(min)
}
