package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestInitKeysCommandCreatesKey(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "commune.keys.yaml")

	cmd := initKeysCmd()
	cmd.SetArgs([]string{"--operator", "demo", "--keys-file", keyPath})
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute init-keys: %v", err)
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	if !bytes.Contains(data, []byte("demo")) {
		t.Fatalf("expected operator section to be written")
	}
	if !bytes.Contains(out.Bytes(), []byte("key:")) {
		t.Fatalf("expected key in output, got %q", out.String())
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "init-keys"} {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing %s subcommand", name)
		}
	}
}
