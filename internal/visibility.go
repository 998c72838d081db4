package internal

// Pure block/mute predicates shared by the REST read paths and the fan-out
// engine. The rules are asymmetric for content (only the viewer's own lists
// govern what the viewer doesn't see) but symmetric for interaction (a user may
// not join a room owned by someone they block or who blocks them).

// IsBlocked reports whether viewer has blocked subject.
func IsBlocked(viewer *Identity, subject string) bool {
	_, ok := viewer.Blocks[subject]
	return ok
}

// IsMuted reports whether viewer has muted subject.
func IsMuted(viewer *Identity, subject string) bool {
	_, ok := viewer.Mutes[subject]
	return ok
}

// CanSeeIdentity is false when subject is blocked. Muting hides content and
// counts but not identity, so muted users remain visible in member lists and
// membership-change pushes.
func CanSeeIdentity(viewer *Identity, subject string) bool {
	return !IsBlocked(viewer, subject)
}

// CanSeeContent is false when the author is blocked or muted by the viewer.
func CanSeeContent(viewer *Identity, author string) bool {
	return !IsBlocked(viewer, author) && !IsMuted(viewer, author)
}

// CanInteract applies the bidirectional block rule for owner-vs-joiner checks.
// ownerBlocks is the owner's block set as loaded from the relation store; the
// viewer's own snapshot covers the other direction.
func CanInteract(viewer *Identity, owner string, ownerBlocks map[string]struct{}) bool {
	if IsBlocked(viewer, owner) {
		return false
	}
	_, blockedByOwner := ownerBlocks[viewer.UserID]
	return !blockedByOwner
}
