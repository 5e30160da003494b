package telnet

import "fmt"

// keyNames maps symbolic key names to the bytes a BBS expects.
var keyNames = map[string][]byte{
	"enter":     {'\r', '\n'},
	"esc":       {0x1B},
	"space":     {' '},
	"backspace": {0x08},
	"tab":       {0x09},
	"y":         {'y'},
	"n":         {'n'},
}

// KeyBytes returns the byte sequence for a symbolic key name. Names not in
// the table are accepted only as single ASCII characters.
func KeyBytes(name string) ([]byte, error) {
	if b, ok := keyNames[name]; ok {
		return b, nil
	}
	if len(name) == 1 {
		return []byte(name), nil
	}
	return nil, fmt.Errorf("unknown key %q", name)
}

// ValidKey reports whether a key name is sendable: a known symbolic name
// or a single character.
func ValidKey(name string) bool {
	_, ok := keyNames[name]
	return ok || len(name) == 1
}
