package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// settingsFile is the on-disk settings.json. Unknown keys written by other
// tools are preserved across rewrites.
type settingsFile struct {
	ControlToken *string                    `json:"controlToken,omitempty"`
	Extra        map[string]json.RawMessage `json:"-"`
}

func (s *settingsFile) UnmarshalJSON(raw []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	if token, ok := all["controlToken"]; ok {
		var value string
		if err := json.Unmarshal(token, &value); err != nil {
			return err
		}
		s.ControlToken = &value
		delete(all, "controlToken")
	}
	s.Extra = all
	return nil
}

func (s settingsFile) MarshalJSON() ([]byte, error) {
	all := make(map[string]any, len(s.Extra)+1)
	for k, v := range s.Extra {
		all[k] = v
	}
	if s.ControlToken != nil {
		all["controlToken"] = *s.ControlToken
	}
	return json.Marshal(all)
}

func readSettings(path string) (*settingsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &settingsFile{}, nil
		}
		return nil, err
	}

	var settings settingsFile
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func writeSettings(path string, settings *settingsFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(settings, "", "    ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, payload, 0o600)
}
