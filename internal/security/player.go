package security

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultAllowedPlayers lists the programs the sound dispatcher may start
var DefaultAllowedPlayers = map[string]bool{
	"afplay":     true, // macOS
	"paplay":     true, // PulseAudio / PipeWire
	"pw-play":    true,
	"aplay":      true, // ALSA
	"play":       true, // SoX
	"ffplay":     true,
	"mpv":        true,
	"powershell": true,
}

// shellMetachars may never appear in player arguments; commands run without a
// shell but a player could still hand an argument to one.
var shellMetachars = []string{
	";", "|", "&", "$", "`", "\n", ">", "<", "(", ")", "{", "}", "*", "?", "[", "]", "\\", "'", "\"",
}

// ValidatePlayerCommand checks that cmdParts names an allowed player and that
// no argument carries shell metacharacters. allowed may be nil for the default list.
func ValidatePlayerCommand(cmdParts []string, allowed map[string]bool) error {
	if len(cmdParts) == 0 {
		return fmt.Errorf("empty command")
	}
	if allowed == nil {
		allowed = DefaultAllowedPlayers
	}

	// Absolute paths are fine as long as the binary name is allowed
	program := filepath.Base(cmdParts[0])
	if !allowed[program] {
		return fmt.Errorf("player not allowed: %s (must be one of: %s)",
			program, strings.Join(allowedList(allowed), ", "))
	}

	for i, arg := range cmdParts[1:] {
		if containsShellMetachars(arg) {
			return fmt.Errorf("argument %d contains shell metacharacters: %s", i+1, arg)
		}
	}

	return nil
}

func containsShellMetachars(s string) bool {
	for _, char := range shellMetachars {
		if strings.Contains(s, char) {
			return true
		}
	}
	return false
}

func allowedList(allowed map[string]bool) []string {
	names := make([]string, 0, len(allowed))
	for name := range allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
