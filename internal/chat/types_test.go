package chat

import (
	"context"
	"testing"
)

type namedBackend struct {
	name string
}

func (b *namedBackend) Stream(ctx context.Context, history []Message) (ReplyStream, error) {
	return nil, nil
}

func (b *namedBackend) Complete(ctx context.Context, history []Message) (string, error) {
	return b.name, nil
}

func (b *namedBackend) Name() string { return b.name }

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeBaseline, false},
		{"baseline", ModeBaseline, false},
		{"Advanced", ModeAdvanced, false},
		{" advanced ", ModeAdvanced, false},
		{"turbo", ModeBaseline, true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q): unexpected error %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBackends_Select(t *testing.T) {
	baseline := &namedBackend{name: "small"}
	advanced := &namedBackend{name: "large"}

	backends := Backends{ModeBaseline: baseline, ModeAdvanced: advanced}
	if b, _ := backends.Select(ModeAdvanced); b != advanced {
		t.Errorf("Expected advanced backend, got %v", b.Name())
	}
	if b, _ := backends.Select(ModeBaseline); b != baseline {
		t.Errorf("Expected baseline backend, got %v", b.Name())
	}

	onlyBaseline := Backends{ModeBaseline: baseline}
	if b, _ := onlyBaseline.Select(ModeAdvanced); b != baseline {
		t.Error("Expected fallback to baseline backend")
	}

	if _, err := (Backends{}).Select(ModeBaseline); err == nil {
		t.Error("Expected error with no backends")
	}
}
