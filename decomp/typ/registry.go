package typ

import "fmt"

// Process-wide name to type registry. Loaders write it before analysis
// starts, decompilation only reads. Single-writer.

var named map[string]Type

func InitRegistry() {
	named = map[string]Type{}
}

func ClearRegistry() {
	named = nil
}

func Define(name string, t Type) {
	if named == nil {
		InitRegistry()
	}

	named[name] = t
}

func Resolve(name string) (Type, bool) {
	t, ok := named[name]
	return t, ok
}

// Alpha is the wildcard named type. A pointer to alpha promotes to any
// other pointer it meets.
func Alpha(n int) Named {
	return Named{Name: fmt.Sprintf("alpha%d", n)}
}

func IsAlpha(t Type) bool {
	n, ok := t.(Named)
	return ok && len(n.Name) > 5 && n.Name[:5] == "alpha"
}
