package channel

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]interface{}
		local   LocalConfig
		want    string
	}{
		{name: "nothing set", want: Baseline},
		{name: "auto default", local: LocalConfig{Default: "auto", Set: true}, want: "stable"},
		{name: "config default", local: LocalConfig{Default: "1.28/stable", Set: true}, want: "1.28/stable"},
		{
			name:    "override beats config default",
			options: map[string]interface{}{"channel": "1.29/edge"},
			local:   LocalConfig{Default: "1.28/stable", Set: true},
			want:    "1.29/edge",
		},
		{
			name:    "override beats auto",
			options: map[string]interface{}{"channel": "3.4/stable"},
			local:   LocalConfig{Default: "auto", Set: true},
			want:    "3.4/stable",
		},
		{
			name:    "empty override ignored",
			options: map[string]interface{}{"channel": ""},
			local:   LocalConfig{Default: "edge", Set: true},
			want:    "edge",
		},
		{
			name:    "null override ignored",
			options: map[string]interface{}{"channel": nil},
			want:    Baseline,
		},
		{
			name:    "unrelated options",
			options: map[string]interface{}{"service-cidr": "10.152.183.0/24"},
			local:   LocalConfig{Default: "beta", Set: true},
			want:    "beta",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.options, tt.local); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadLocalConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		write   bool
		want    LocalConfig
		wantErr bool
	}{
		{name: "missing file", want: LocalConfig{}},
		{
			name:  "channel default",
			write: true,
			content: `options:
  channel:
    type: string
    default: 1.28/stable
    description: Snap channel
`,
			want: LocalConfig{Default: "1.28/stable", Set: true},
		},
		{
			name:    "no channel option",
			write:   true,
			content: "options:\n  port:\n    default: 2379\n",
			want:    LocalConfig{},
		},
		{
			name:    "no options",
			write:   true,
			content: "{}\n",
			want:    LocalConfig{},
		},
		{
			name:    "invalid yaml",
			write:   true,
			content: "options: [\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.write {
				if err := os.WriteFile(filepath.Join(dir, LocalConfigFile), []byte(tt.content), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			got, err := LoadLocalConfig(dir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFirst(t *testing.T) {
	none := func() (string, bool) { return "", false }
	if _, ok := First(none, none); ok {
		t.Error("expected no value")
	}
	if v, _ := First(none, Fixed("a"), Fixed("b")); v != "a" {
		t.Errorf("First = %q, want a", v)
	}
}

func TestSegmentsAndTrack(t *testing.T) {
	if got := Segments("1.28/stable"); !reflect.DeepEqual(got, []string{"1.28", "stable"}) {
		t.Errorf("Segments = %v", got)
	}
	if got := Segments("../stable"); !reflect.DeepEqual(got, []string{"stable"}) {
		t.Errorf("Segments should drop traversal, got %v", got)
	}
	if got := Segments(""); got != nil {
		t.Errorf("Segments(\"\") = %v", got)
	}
	if Track("latest/stable") != "latest" || Track("1.28") != "1.28" {
		t.Error("unexpected Track result")
	}
}
