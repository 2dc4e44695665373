// Package access defines the ordered access levels a user can hold on a
// project or group. Higher values grant strictly more capability; merge
// policy everywhere in the system is "maximum wins".
package access

import "fmt"

type Level int

const (
	NoAccess   Level = 0
	Guest      Level = 10
	Reporter   Level = 20
	Developer  Level = 30
	Maintainer Level = 40
	Owner      Level = 50
)

func (l Level) String() string {
	switch l {
	case NoAccess:
		return "none"
	case Guest:
		return "guest"
	case Reporter:
		return "reporter"
	case Developer:
		return "developer"
	case Maintainer:
		return "maintainer"
	case Owner:
		return "owner"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) Valid() bool {
	switch l {
	case Guest, Reporter, Developer, Maintainer, Owner:
		return true
	default:
		return false
	}
}

// Parse maps an API-supplied level name to a Level. Unknown names map to
// NoAccess, which never passes Valid().
func Parse(name string) Level {
	switch name {
	case "guest":
		return Guest
	case "reporter":
		return Reporter
	case "developer":
		return Developer
	case "maintainer":
		return Maintainer
	case "owner":
		return Owner
	default:
		return NoAccess
	}
}

func Max(a, b Level) Level {
	if a >= b {
		return a
	}
	return b
}
