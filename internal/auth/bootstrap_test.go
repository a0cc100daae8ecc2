package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrapDevKeyCreatesFile(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "test-keys.yaml")

	result, err := BootstrapDevKey(keysPath, "ops-team")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected Created=true")
	}
	if result.Key == "" {
		t.Fatalf("expected non-empty key")
	}
	if result.Operator != "ops-team" {
		t.Fatalf("expected operator=ops-team, got %s", result.Operator)
	}

	if _, err := os.Stat(keysPath); err != nil {
		t.Fatalf("keys file not created: %v", err)
	}

	ring, err := LoadKeyring(keysPath)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	op, ok := ring.OperatorForKey(result.Key)
	if !ok || op != "ops-team" {
		t.Fatalf("expected key to map to ops-team, got %s ok=%v", op, ok)
	}
}

func TestBootstrapDevKeySkipsExisting(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "test-keys.yaml")

	if err := os.WriteFile(keysPath, []byte("existing"), 0600); err != nil {
		t.Fatalf("write existing: %v", err)
	}

	result, err := BootstrapDevKey(keysPath, "ops-team")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if result.Created {
		t.Fatalf("expected Created=false for existing file")
	}

	data, _ := os.ReadFile(keysPath)
	if string(data) != "existing" {
		t.Fatalf("file was modified")
	}
}

func TestBootstrapDevKeyDefaultOperator(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "test-keys.yaml")

	result, err := BootstrapDevKey(keysPath, "")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if result.Operator != "dev" {
		t.Fatalf("expected default operator=dev, got %s", result.Operator)
	}
}

func TestLoadKeyringRejectsSharedKeys(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "keys.yaml")
	body := "operators:\n  alice:\n    keys: [\"k1\"]\n  bob:\n    keys: [\"k1\"]\n"
	if err := os.WriteFile(keysPath, []byte(body), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadKeyring(keysPath); err == nil {
		t.Fatal("expected error for key reuse across operators")
	}
}
