package internal

import "testing"

func viewer(blocks, mutes []string) *Identity {
	id := &Identity{
		UserID: "viewer",
		Blocks: map[string]struct{}{},
		Mutes:  map[string]struct{}{},
	}
	for _, b := range blocks {
		id.Blocks[b] = struct{}{}
	}
	for _, m := range mutes {
		id.Mutes[m] = struct{}{}
	}
	return id
}

func TestVisibilityPredicates(t *testing.T) {
	v := viewer([]string{"blocked"}, []string{"muted"})

	if !CanSeeIdentity(v, "muted") {
		t.Errorf("muting must not hide identity")
	}
	if CanSeeIdentity(v, "blocked") {
		t.Errorf("blocking must hide identity")
	}
	if !CanSeeIdentity(v, "stranger") {
		t.Errorf("strangers are visible")
	}

	if CanSeeContent(v, "muted") {
		t.Errorf("muting must hide content")
	}
	if CanSeeContent(v, "blocked") {
		t.Errorf("blocking must hide content")
	}
	if !CanSeeContent(v, "stranger") {
		t.Errorf("strangers' content is visible")
	}
}

func TestCanInteract(t *testing.T) {
	none := map[string]struct{}{}
	if !CanInteract(viewer(nil, nil), "owner", none) {
		t.Errorf("no blocks either way: interaction allowed")
	}
	if CanInteract(viewer([]string{"owner"}, nil), "owner", none) {
		t.Errorf("viewer blocks owner: interaction denied")
	}
	if CanInteract(viewer(nil, nil), "owner", map[string]struct{}{"viewer": {}}) {
		t.Errorf("owner blocks viewer: interaction denied")
	}
	// muting does not gate interaction
	if !CanInteract(viewer(nil, []string{"owner"}), "owner", none) {
		t.Errorf("muting must not deny interaction")
	}
}

func TestResolveEffectiveIdentity(t *testing.T) {
	mod := &Identity{UserID: "kara", AccessLevel: AccessModerator,
		Blocks: map[string]struct{}{"x": {}}, Mutes: map[string]struct{}{}}

	got, herr := ResolveEffectiveIdentity(mod, "")
	if herr != nil || got != mod {
		t.Fatalf("empty target must return the requester unchanged")
	}
	got, herr = ResolveEffectiveIdentity(mod, "kara")
	if herr != nil || got != mod {
		t.Fatalf("self target must return the requester unchanged")
	}

	got, herr = ResolveEffectiveIdentity(mod, ModeratorUser)
	if herr != nil {
		t.Fatalf("moderator acting as %s: %s", ModeratorUser, herr)
	}
	if got.UserID != ModeratorUser {
		t.Fatalf("wrong effective user: %s", got.UserID)
	}
	// the pseudo-account has no personal relations
	if len(got.Blocks) != 0 || len(got.Mutes) != 0 {
		t.Fatalf("pseudo-account inherited relations: %+v", got)
	}

	if _, herr = ResolveEffectiveIdentity(mod, TwitarrTeamUser); herr == nil {
		t.Fatalf("moderator must not act as %s", TwitarrTeamUser)
	}
	if _, herr = ResolveEffectiveIdentity(mod, "someoneelse"); herr == nil {
		t.Fatalf("arbitrary substitution must be denied")
	}

	pleb := &Identity{UserID: "bob", AccessLevel: AccessVerified}
	if _, herr = ResolveEffectiveIdentity(pleb, ModeratorUser); herr == nil {
		t.Fatalf("verified user must not act as %s", ModeratorUser)
	}
}
