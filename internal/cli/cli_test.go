package cli

import (
	"testing"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "refresh", "export", "show", "replay", "version", "simulate"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == rootCmd {
			t.Fatalf("command %q not registered: %v", name, err)
		}
	}
}

func TestSimulateFlags(t *testing.T) {
	for _, flag := range []string{"collateral", "peg", "target", "ref-per-tok", "steps", "step", "alert"} {
		if simulateCmd.Flags().Lookup(flag) == nil {
			t.Fatalf("simulate is missing --%s", flag)
		}
	}
}

func TestVersionSkipsConfig(t *testing.T) {
	if versionCmd.Annotations[skipConfig] != "true" {
		t.Fatalf("version should run without configuration")
	}
	if err := rootCmd.PersistentPreRunE(versionCmd, nil); err != nil {
		t.Fatalf("pre-run should skip config loading for version: %v", err)
	}
	if appHandle != nil {
		t.Fatalf("version must not initialise the app")
	}
}
