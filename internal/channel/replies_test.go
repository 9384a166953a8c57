package channel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultReplies_AllTextsPresent(t *testing.T) {
	c := DefaultReplies()
	for name, text := range map[string]string{
		"unsupportedType":  c.UnsupportedType,
		"loadFailed":       c.LoadFailed,
		"saveFailed":       c.SaveFailed,
		"sendFailed":       c.SendFailed,
		"serverError":      c.ServerError,
		"processingFailed": c.ProcessingFailed,
		"noAnswer":         c.NoAnswer,
		"resetDone":        c.ResetDone,
		"resetFailed":      c.ResetFailed,
	} {
		if text == "" {
			t.Errorf("default reply %s is empty", name)
		}
	}
	if len(c.ResetCommands) == 0 {
		t.Error("no reset commands configured")
	}
}

func TestLoadReplies_OverridesPartially(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.yaml")
	content := "noAnswer: custom no-answer text\nresetCommands:\n  - restart\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadReplies(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.NoAnswer != "custom no-answer text" {
		t.Errorf("override lost: %q", c.NoAnswer)
	}
	if c.ServerError == "" {
		t.Error("unrelated default was erased")
	}
	if !c.IsResetCommand("restart") {
		t.Error("overridden reset command not honored")
	}
}

func TestLoadReplies_EmptyPathUsesDefaults(t *testing.T) {
	c, err := LoadReplies("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.NoAnswer != DefaultReplies().NoAnswer {
		t.Error("empty path must yield defaults")
	}
}

func TestIsResetCommand(t *testing.T) {
	c := DefaultReplies()
	for _, text := range []string{"reset", "Reset", "  RESET  ", "התחל מחדש"} {
		if !c.IsResetCommand(text) {
			t.Errorf("%q not recognized as reset", text)
		}
	}
	for _, text := range []string{"reset please", "hello", ""} {
		if c.IsResetCommand(text) {
			t.Errorf("%q wrongly recognized as reset", text)
		}
	}
}
