package auth

// Tier is the authorization level attached to a connection. Ordering
// matters: a connection may subscribe to a topic only when its tier is at
// least the topic's minimum.
type Tier int8

const (
	TierPublic Tier = iota
	TierUser
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierUser:
		return "user"
	case TierAdmin:
		return "admin"
	default:
		return "public"
	}
}

// AtLeast reports whether t satisfies the required minimum tier.
func (t Tier) AtLeast(min Tier) bool {
	return t >= min
}

// ParseTier maps a role claim to a tier. Unknown roles fail closed to
// public rather than guessing upward.
func ParseTier(role string) Tier {
	switch role {
	case "user":
		return TierUser
	case "admin", "superadmin":
		return TierAdmin
	default:
		return TierPublic
	}
}

// Identity is the authenticated principal for a connection. It is
// computed once by the Gate and never mutated field by field afterward.
type Identity struct {
	Wallet   string
	Nickname string
	Tier     Tier
}
