package internal

// AccessLevel mirrors the shipboard account hierarchy. Higher values imply all the
// capabilities of lower ones.
type AccessLevel int

const (
	AccessBanned AccessLevel = iota
	AccessQuarantined
	AccessVerified
	AccessModerator
	AccessTHO
	AccessAdmin
)

func (a AccessLevel) String() string {
	switch a {
	case AccessBanned:
		return "banned"
	case AccessQuarantined:
		return "quarantined"
	case AccessVerified:
		return "verified"
	case AccessModerator:
		return "moderator"
	case AccessTHO:
		return "tho"
	case AccessAdmin:
		return "admin"
	}
	return "unknown"
}

// Shared pseudo-account inboxes. Posts/rooms owned by these are serviced by any
// account at or above the required access level, never logged into directly.
const (
	ModeratorUser   = "@moderator"
	TwitarrTeamUser = "@twitarrteam"
)

// Identity is the per-request snapshot handed to the core by the auth layer:
// who is asking, at what level, and whose content they have blocked or muted.
// Blocks and Mutes are read-only snapshots; mutating endpoints go through the
// relation store and invalidate the cache instead of touching these.
type Identity struct {
	UserID      string
	AccessLevel AccessLevel
	Blocks      map[string]struct{}
	Mutes       map[string]struct{}
}

// BlocksOrMutes reports whether other's content is hidden from this identity for
// any reason. Initial hidden-count computation treats blocks and mutes the same.
func (id *Identity) BlocksOrMutes(other string) bool {
	if _, ok := id.Blocks[other]; ok {
		return true
	}
	_, ok := id.Mutes[other]
	return ok
}

// ResolveEffectiveIdentity implements shared-inbox substitution as a pure
// capability check. A moderator asking to act as @moderator (or a twitarrteam
// member as @twitarrteam) gets an identity for the pseudo-account with empty
// block/mute sets; anyone else gets Forbidden. requester is returned unchanged
// when target is empty or the requester themselves.
func ResolveEffectiveIdentity(requester *Identity, target string) (*Identity, *HandlerError) {
	if target == "" || target == requester.UserID {
		return requester, nil
	}
	var required AccessLevel
	switch target {
	case ModeratorUser:
		required = AccessModerator
	case TwitarrTeamUser:
		required = AccessTHO
	default:
		return nil, NewForbiddenError("cannot act as another user")
	}
	if requester.AccessLevel < required {
		return nil, NewForbiddenError("insufficient access to act as %s", target)
	}
	return &Identity{
		UserID:      target,
		AccessLevel: requester.AccessLevel,
		Blocks:      map[string]struct{}{},
		Mutes:       map[string]struct{}{},
	}, nil
}
