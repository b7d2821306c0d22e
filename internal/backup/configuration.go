package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const (
	configurationDir = "configuration"
	environmentFile  = "environment.json"
	settingsFile     = "settings.json"

	// RedactedValue replaces sensitive values in configuration snapshots
	RedactedValue = "***REDACTED***"
)

// SettingsSource returns the runtime settings to snapshot
type SettingsSource func() map[string]interface{}

// backupConfiguration writes sanitized environment and settings snapshots
func (e *Engine) backupConfiguration(stagingDir string, result *ComponentResult) {
	dir := filepath.Join(stagingDir, configurationDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		result.AddError(fmt.Sprintf("failed to create configuration directory: %v", err))
		return
	}

	env := e.captureEnvironment()
	var settings map[string]interface{}
	if e.settings != nil {
		settings = e.flattenSettings(e.settings())
	} else {
		settings = map[string]interface{}{}
	}

	var total int64
	for name, payload := range map[string]interface{}{environmentFile: env, settingsFile: settings} {
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			result.AddError(fmt.Sprintf("failed to encode %s: %v", name, err))
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o640); err != nil {
			result.AddError(fmt.Sprintf("failed to write %s: %v", name, err))
			continue
		}
		total += int64(len(data))
	}

	if len(result.Errors) == 0 {
		result.Success = true
	}
	result.Size = total
	result.File = configurationDir
}

// captureEnvironment collects variables with a recognized prefix
func (e *Engine) captureEnvironment() map[string]string {
	out := make(map[string]string)
	for _, kv := range e.environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if !hasAnyPrefix(key, e.cfg.EnvPrefixes) {
			continue
		}
		if e.isSensitive(key) {
			value = RedactedValue
		}
		out[key] = value
	}
	return out
}

// flattenSettings turns nested settings into dotted keys, dropping values
// that cannot be serialized. List elements are keyed by index so their
// nested keys go through redaction too.
func (e *Engine) flattenSettings(settings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	e.flattenInto(out, "", settings)
	return out
}

func (e *Engine) flattenInto(out map[string]interface{}, prefix string, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.flattenInto(out, joinKey(prefix, k), v[k])
		}
	case map[interface{}]interface{}:
		keyed := make(map[string]interface{}, len(v))
		for k, inner := range v {
			keyed[fmt.Sprint(k)] = inner
		}
		e.flattenInto(out, prefix, keyed)
	case []interface{}:
		for i, inner := range v {
			e.flattenInto(out, joinKey(prefix, strconv.Itoa(i)), inner)
		}
	case []map[string]interface{}:
		for i, inner := range v {
			e.flattenInto(out, joinKey(prefix, strconv.Itoa(i)), inner)
		}
	default:
		if prefix == "" {
			return
		}
		if e.isSensitive(prefix) {
			out[prefix] = RedactedValue
			return
		}
		if _, err := json.Marshal(v); err != nil {
			e.logger.Debugf("Skipping non-serializable setting %s: %v", prefix, err)
			return
		}
		out[prefix] = v
	}
}

// isSensitive matches key against the redaction denylist, ignoring case
func (e *Engine) isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range e.cfg.RedactPatterns {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
