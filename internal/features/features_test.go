package features

import "testing"

func TestNewDefaultManager(t *testing.T) {
	m := NewDefaultManager(map[string]bool{
		FeatureAutoFreeze: false,
		"not_a_flag":      true,
	})

	if !m.IsEnabled(FeatureDecisionReplay) {
		t.Error("decision replay should default on")
	}
	if m.IsEnabled(FeatureAutoFreeze) {
		t.Error("override should disable auto freeze")
	}
	if m.IsEnabled("not_a_flag") {
		t.Error("unknown flags stay disabled")
	}

	flags := m.List()
	if len(flags) != 4 {
		t.Fatalf("expected 4 flags, got %d", len(flags))
	}
	if flags[0].Name != FeatureAutoFreeze {
		t.Errorf("expected sorted flags, first was %s", flags[0].Name)
	}
}

func TestEnableDisable(t *testing.T) {
	m := NewManager()
	m.Register("x", false, "")

	m.Enable("x")
	if !m.IsEnabled("x") {
		t.Error("expected enabled")
	}
	m.Disable("x")
	if m.IsEnabled("x") {
		t.Error("expected disabled")
	}
}
