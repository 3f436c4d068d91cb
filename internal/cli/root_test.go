package cli

import (
	"bytes"
	"testing"
)

func TestStubSubcommandConstructionSetsUseAndShort(t *testing.T) {
	// notImplemented calls os.Exit directly, so we only exercise command
	// construction and the Short text here rather than invoking RunE.
	cmd := notImplemented("init")
	if cmd.Use != "init" {
		t.Fatalf("expected Use=init, got %q", cmd.Use)
	}
	var buf bytes.Buffer
	cmd.SetErr(&buf)
	if cmd.Short == "" {
		t.Fatal("expected a Short description on stub commands")
	}
}

func TestRootCommandHasServeAndStubSubcommands(t *testing.T) {
	root := rootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "init", "shellenv", "config"} {
		if !names[want] {
			t.Fatalf("expected root command to have subcommand %q, got %v", want, names)
		}
	}
}
