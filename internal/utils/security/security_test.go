package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestValidateString(t *testing.T) {
	lim := DefaultLimits()
	tests := []struct {
		name    string
		value   string
		wantErr string
	}{
		{"empty", "", ""},
		{"plain", "cs:~containers/etcd", ""},
		{"unicode", "überbundle", ""},
		{"nul", "a\x00b", "NUL"},
		{"control", "a\x1bb", "non-printable"},
		{"newline rejected", "a\nb", "non-printable"},
		{"invalid utf8", string([]byte{0xff, 0xfe}), "UTF-8"},
		{"too long", strings.Repeat("a", lim.MaxString+1), "too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateString("arg", tt.value, lim)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAttachRecursiveValidatesFlags(t *testing.T) {
	var overlays []string
	ran := false

	root := &cobra.Command{Use: "root"}
	child := &cobra.Command{
		Use: "child",
		RunE: func(cmd *cobra.Command, args []string) error {
			ran = true
			return nil
		},
	}
	child.Flags().StringArrayVar(&overlays, "overlay", nil, "")
	root.AddCommand(child)
	AttachRecursive(root, DefaultLimits())

	root.SetArgs([]string{"child", "--overlay", "good.yaml", "--overlay", "bad\x00.yaml"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "flag --overlay[1]") {
		t.Fatalf("expected overlay validation error, got %v", err)
	}
	if ran {
		t.Fatal("command ran despite invalid flag")
	}

	root.SetArgs([]string{"child", "--overlay", "good.yaml"})
	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("command did not run")
	}
}

func TestSafeReadFileSymlinkPolicies(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.yaml")
	link := filepath.Join(dir, "link.yaml")
	if err := os.WriteFile(target, []byte("workers: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	if _, err := SafeReadFile(link, RejectSymlinks); err == nil {
		t.Error("expected RejectSymlinks to fail on a symlink")
	}
	data, err := SafeReadFile(link, ResolveSymlinks)
	if err != nil {
		t.Fatalf("ResolveSymlinks failed: %v", err)
	}
	if string(data) != "workers: 2\n" {
		t.Errorf("unexpected content %q", string(data))
	}
	if _, err := SafeReadFile(target, SymlinkPolicy(42)); err == nil {
		t.Error("expected invalid policy to fail")
	}
}

func TestSafeWriteFileRejectsSymlinkTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	link := filepath.Join(dir, "link")
	if err := os.WriteFile(target, []byte("orig"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	if err := SafeWriteFile(link, []byte("new"), 0o600, RejectSymlinks); err == nil {
		t.Fatal("expected write through symlink to be rejected")
	}

	fresh := filepath.Join(dir, "fresh.yml")
	if err := SafeWriteFile(fresh, []byte("ok"), 0o600, RejectSymlinks); err != nil {
		t.Fatalf("writing new file: %v", err)
	}
	if data, _ := os.ReadFile(fresh); string(data) != "ok" {
		t.Errorf("unexpected content %q", string(data))
	}
}
