package cdpbackend

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/input"
)

type keyDef struct {
	Key     string
	Code    string
	KeyCode int
	Text    string
}

var namedKeys = map[string]keyDef{
	"enter":      {Key: "Enter", Code: "Enter", KeyCode: 13, Text: "\r"},
	"tab":        {Key: "Tab", Code: "Tab", KeyCode: 9},
	"escape":     {Key: "Escape", Code: "Escape", KeyCode: 27},
	"backspace":  {Key: "Backspace", Code: "Backspace", KeyCode: 8},
	"delete":     {Key: "Delete", Code: "Delete", KeyCode: 46},
	"space":      {Key: " ", Code: "Space", KeyCode: 32, Text: " "},
	"arrowup":    {Key: "ArrowUp", Code: "ArrowUp", KeyCode: 38},
	"arrowdown":  {Key: "ArrowDown", Code: "ArrowDown", KeyCode: 40},
	"arrowleft":  {Key: "ArrowLeft", Code: "ArrowLeft", KeyCode: 37},
	"arrowright": {Key: "ArrowRight", Code: "ArrowRight", KeyCode: 39},
	"home":       {Key: "Home", Code: "Home", KeyCode: 36},
	"end":        {Key: "End", Code: "End", KeyCode: 35},
	"pageup":     {Key: "PageUp", Code: "PageUp", KeyCode: 33},
	"pagedown":   {Key: "PageDown", Code: "PageDown", KeyCode: 34},
}

func init() {
	namedKeys["esc"] = namedKeys["escape"]
	namedKeys["return"] = namedKeys["enter"]
	for i := 1; i <= 12; i++ {
		name := fmt.Sprintf("F%d", i)
		namedKeys[strings.ToLower(name)] = keyDef{Key: name, Code: name, KeyCode: 111 + i}
	}
}

// lookupKey resolves a key name or a single printable character.
func lookupKey(name string) (keyDef, error) {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k, nil
	}
	r := []rune(name)
	if len(r) != 1 {
		return keyDef{}, fmt.Errorf("unknown key %q", name)
	}
	ch := r[0]
	k := keyDef{Key: name, Text: name}
	switch {
	case ch >= 'a' && ch <= 'z':
		k.Code = "Key" + strings.ToUpper(name)
		k.KeyCode = int(ch - 'a' + 'A')
	case ch >= 'A' && ch <= 'Z':
		k.Code = "Key" + name
		k.KeyCode = int(ch)
	case ch >= '0' && ch <= '9':
		k.Code = "Digit" + name
		k.KeyCode = int(ch)
	}
	return k, nil
}

// modifierMask folds modifier names into the CDP bitmask.
func modifierMask(names []string) (int, error) {
	var m input.Modifier
	for _, n := range names {
		switch strings.ToLower(n) {
		case "alt", "option":
			m |= input.ModifierAlt
		case "ctrl", "control":
			m |= input.ModifierCtrl
		case "meta", "cmd", "command":
			m |= input.ModifierMeta
		case "shift":
			m |= input.ModifierShift
		default:
			return 0, fmt.Errorf("unknown modifier %q", n)
		}
	}
	return int(m), nil
}
