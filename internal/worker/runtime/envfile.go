package runtime

import "strings"

// shellNoise are variables every shell sets on its own.
var shellNoise = map[string]bool{
	"PWD": true, "OLDPWD": true, "SHLVL": true, "_": true, envDumpVar: true,
}

// ParseEnv parses the output of env(1). Lines that do not start a new
// NAME=value pair continue the previous value.
func ParseEnv(raw string) map[string]string {
	out := make(map[string]string)
	last := ""
	for _, line := range strings.Split(strings.TrimSuffix(raw, "\n"), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if ok && validName(key) {
			out[key] = value
			last = key
			continue
		}
		if last != "" {
			out[last] += "\n" + line
		}
	}
	return out
}

// DiffEnv returns the variables of after that are new or changed
// relative to before.
func DiffEnv(before, after map[string]string) map[string]string {
	diff := make(map[string]string)
	for k, v := range after {
		if shellNoise[k] {
			continue
		}
		if old, ok := before[k]; ok && old == v {
			continue
		}
		diff[k] = v
	}
	return diff
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
