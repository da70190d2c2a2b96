package main

import "testing"

func TestAgentOutdated(t *testing.T) {
	orig := AgentVersion
	AgentVersion = "1.4.0"
	defer func() { AgentVersion = orig }()

	cases := []struct {
		min  string
		want bool
	}{
		{"", false},
		{"1.0.0", false},
		{"1.4.0", false},
		{"1.4.1", true},
		{"2.0.0", true},
		{"v2.0.0", true},
		{"not-a-version", false},
		{"  1.5.0  ", true},
	}
	for _, tc := range cases {
		if got := agentOutdated(tc.min); got != tc.want {
			t.Errorf("agentOutdated(%q) = %v, want %v", tc.min, got, tc.want)
		}
	}
}

func TestAgentOutdatedWithUnparseableLocalVersion(t *testing.T) {
	orig := AgentVersion
	AgentVersion = "dev"
	defer func() { AgentVersion = orig }()

	if agentOutdated("99.0.0") {
		t.Fatal("unparseable local version should never flag outdated")
	}
}
