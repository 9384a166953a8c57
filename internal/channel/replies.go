package channel

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReplyCatalog holds the user-facing texts the relay sends on its own,
// apologies and command acknowledgements. The audience is Hebrew-speaking
// visitors, so the defaults are Hebrew; a YAML file can override them.
type ReplyCatalog struct {
	UnsupportedType  string   `yaml:"unsupportedType"`
	LoadFailed       string   `yaml:"loadFailed"`
	SaveFailed       string   `yaml:"saveFailed"`
	SendFailed       string   `yaml:"sendFailed"`
	ServerError      string   `yaml:"serverError"`
	ProcessingFailed string   `yaml:"processingFailed"`
	NoAnswer         string   `yaml:"noAnswer"`
	ResetDone        string   `yaml:"resetDone"`
	ResetFailed      string   `yaml:"resetFailed"`
	ResetCommands    []string `yaml:"resetCommands"`
}

// DefaultReplies returns the built-in Hebrew catalog.
func DefaultReplies() *ReplyCatalog {
	return &ReplyCatalog{
		UnsupportedType:  "מצטער, אני תומך רק בהודעות טקסט כרגע.",
		LoadFailed:       "מצטער, אירעה שגיאה בטעינת השיחה. אנא נסה שוב מאוחר יותר.",
		SaveFailed:       "מצטער, אירעה שגיאה בשמירת ההודעה. אנא נסה שוב.",
		SendFailed:       "מצטער, לא הצלחתי לשלוח את התשובה. אנא נסה שוב.",
		ServerError:      "מצטער, אירעה שגיאה בשרת. אנא נסה שוב מאוחר יותר.",
		ProcessingFailed: "מצטער, אירעה שגיאה בעיבוד ההודעה. אנא נסה שוב.",
		NoAnswer:         "מצטער, לא הצלחתי להבין את השאלה.",
		ResetDone:        "השיחה אופסה. אפשר להתחיל מחדש!",
		ResetFailed:      "מצטער, לא הצלחתי לאפס את השיחה. אנא נסה שוב.",
		ResetCommands:    []string{"reset", "התחל מחדש"},
	}
}

// LoadReplies reads a YAML override file on top of the defaults. Fields
// absent from the file keep their built-in text.
func LoadReplies(path string) (*ReplyCatalog, error) {
	catalog := DefaultReplies()
	if path == "" {
		return catalog, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read replies file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("cannot parse replies file %s: %w", path, err)
	}
	return catalog, nil
}

// IsResetCommand reports whether text is one of the reset commands,
// compared case-insensitively after trimming.
func (c *ReplyCatalog) IsResetCommand(text string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	return slices.ContainsFunc(c.ResetCommands, func(cmd string) bool {
		return strings.ToLower(cmd) == trimmed
	})
}
