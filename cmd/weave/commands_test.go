package main

import (
	"strings"
	"testing"

	"github.com/kalambet/weave/internal/config"
)

func TestIngestCommand_MissingName(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing --name")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestIngestCommand_UnknownConnector(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest", "--name", "docs", "--connector", "carrier-pigeon"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown connector") {
		t.Errorf("error = %v, want unknown connector", err)
	}
}

func TestAnalyzeCommand_UnknownType(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	t.Setenv("WEAVE_STORAGE_BACKEND", "memory")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	rootCmd.SetArgs([]string{"analyze", "--type", "precognition"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown analysis type") {
		t.Errorf("error = %v, want unknown analysis type", err)
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	want := map[string]bool{"analyze": false, "ingest": false, "review": false, "status": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %s not registered", name)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, b ,,c ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("splitList = %v", got)
	}
	if got := splitList(""); len(got) != 0 {
		t.Errorf("splitList(\"\") = %v, want empty", got)
	}
}

func TestOpenStore_Memory(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.Backend = "memory"
	store, closeStore, err := openStore(cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeStore()
	if store == nil {
		t.Fatal("nil store")
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorGreen, "ok"); strings.Contains(result, "\033") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorGreen, "ok"); !strings.Contains(result, "\033") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
