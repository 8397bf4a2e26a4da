package state

import "fmt"

// a bitmap representing a set of capabilities
type Permission uint64

const (
	PermParticipate Permission = 1 << iota // join, vote, chat
	PermPresent                            // create polls, kick participants

	PermAll = PermParticipate | PermPresent
)

var BuiltInPerms = map[string]Permission{
	"participate": PermParticipate,
	"present":     PermPresent,
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// CompilePermissions takes a slice of permission names and returns a combined bitmap.
func CompilePermissions(names []string) (Permission, error) {
	var bitmap Permission
	for _, name := range names {
		value, ok := BuiltInPerms[name]
		if !ok {
			return 0, fmt.Errorf("permission '%s' not found", name)
		}
		bitmap |= value
	}
	return bitmap, nil
}
