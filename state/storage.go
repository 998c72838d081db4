package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/shipboard-chat/shipboard/internal"
	"github.com/shipboard-chat/shipboard/sqlutil"
)

// Storage is the durable half of the room/membership core. Every mutation of a
// room's counters happens inside a transaction holding the room row lock, so
// same-room mutations serialise while different rooms proceed in parallel.
type Storage struct {
	DB            *sqlx.DB
	Rooms         *RoomsTable
	Posts         *PostsTable
	Participants  *ParticipantsTable
	Relations     *RelationsTable
	AlertWords    *AlertWordsTable
	Announcements *AnnouncementsTable
	Reports       *ReportsTable
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		DB:            db,
		Rooms:         NewRoomsTable(db),
		Posts:         NewPostsTable(db),
		Participants:  NewParticipantsTable(db),
		Relations:     NewRelationsTable(db),
		AlertWords:    NewAlertWordsTable(db),
		Announcements: NewAnnouncementsTable(db),
		Reports:       NewReportsTable(db),
	}
}

func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		logger.Panic().Err(err).Msg("failed to Teardown DB")
	}
}

// CreateRoomRequest carries the validated fields for a new room.
type CreateRoomRequest struct {
	Kind         RoomKind
	Title        string
	Info         string
	Location     string
	MinCapacity  int
	MaxCapacity  int
	Participants []string // initial members; the owner is prepended if absent
}

// CreateRoom makes a room with its initial participant list and zeroed cursors.
// Closed/seamail rooms need at least one recipient beyond the owner.
func (s *Storage) CreateRoom(owner *internal.Identity, req CreateRoomRequest) (*Room, error) {
	if !req.Kind.Valid() {
		return nil, internal.NewInvalidRequestError("unknown room kind %q", req.Kind)
	}
	participants := lo.Uniq(append([]string{owner.UserID}, req.Participants...))
	if req.Kind.IsSeamail() && len(participants) < 2 {
		return nil, internal.NewInvalidRequestError("a %s room needs at least 2 participants", req.Kind)
	}
	if req.MaxCapacity > 0 && req.MinCapacity > req.MaxCapacity {
		return nil, internal.NewInvalidRequestError("min capacity %d exceeds max capacity %d", req.MinCapacity, req.MaxCapacity)
	}
	for _, p := range participants[1:] {
		if owner.BlocksOrMutes(p) {
			return nil, internal.NewForbiddenError("cannot add a blocked or muted user to a room")
		}
	}
	room := &Room{
		ID:           uuid.New(),
		Kind:         req.Kind,
		Owner:        owner.UserID,
		Title:        req.Title,
		Info:         req.Info,
		Location:     req.Location,
		MinCapacity:  req.MinCapacity,
		MaxCapacity:  req.MaxCapacity,
		Participants: participants,
		CreatedTS:    time.Now().UnixMilli(),
	}
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		if err := s.Rooms.Insert(txn, room); err != nil {
			return err
		}
		cursors := make([]Cursor, len(participants))
		for i, p := range participants {
			cursors[i] = Cursor{RoomID: room.ID, UserID: p}
		}
		return s.Participants.BulkInsert(txn, cursors)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// JoinRoom appends the user to the participant array and creates their cursor.
// The hidden count is initialised from existing history so a join never shows
// blocked/muted posts as unread. Whether the user lands active or waitlisted is
// purely their resulting position vs max capacity.
func (s *Storage) JoinRoom(roomID uuid.UUID, user *internal.Identity) (*Room, *Cursor, error) {
	var room *Room
	var cursor *Cursor
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		var err error
		room, err = s.Rooms.SelectRoomForUpdate(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return internal.NewNotFoundError("room not found")
		}
		if room.Kind.IsSeamail() {
			return internal.NewForbiddenError("this room is closed to self-joins; ask the owner to add you")
		}
		if room.Cancelled {
			return internal.NewInvalidRequestError("room has been cancelled")
		}
		if room.IsParticipant(user.UserID) {
			return internal.NewConflictError("user is already a member of this room")
		}
		// bidirectional block check against the owner
		ownerRels, err := s.Relations.SelectMany(txn, []string{room.Owner})
		if err != nil {
			return err
		}
		ownerBlocks := map[string]struct{}{}
		if rel := ownerRels[room.Owner]; rel != nil {
			for _, b := range rel.Blocks {
				ownerBlocks[b] = struct{}{}
			}
		}
		if !internal.CanInteract(user, room.Owner, ownerBlocks) {
			return internal.NewNotFoundError("room not found")
		}
		room.Participants = append(room.Participants, user.UserID)
		if err := s.Rooms.UpdateParticipants(txn, roomID, room.Participants); err != nil {
			return err
		}
		hiddenAuthors := lo.Keys(user.Blocks)
		hiddenAuthors = append(hiddenAuthors, lo.Keys(user.Mutes)...)
		hidden, err := s.Posts.CountByAuthors(txn, roomID, lo.Uniq(hiddenAuthors))
		if err != nil {
			return err
		}
		cursor = &Cursor{RoomID: roomID, UserID: user.UserID, ReadCount: 0, HiddenCount: hidden}
		return s.Participants.Insert(txn, cursor)
	})
	if err != nil {
		return nil, nil, err
	}
	return room, cursor, nil
}

// LeaveRoom removes the user and destroys their cursor. Members behind them on
// the waitlist shift forward implicitly; no promotion event is fired.
func (s *Storage) LeaveRoom(roomID uuid.UUID, userID string) (*Room, error) {
	var room *Room
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		var err error
		room, err = s.Rooms.SelectRoomForUpdate(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return internal.NewNotFoundError("room not found")
		}
		if !room.IsParticipant(userID) {
			return internal.NewForbiddenError("user is not a member of this room")
		}
		room.Participants = lo.Without(room.Participants, userID)
		if err := s.Rooms.UpdateParticipants(txn, roomID, room.Participants); err != nil {
			return err
		}
		return s.Participants.Delete(txn, roomID, userID)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// OwnerAddMember is the owner-initiated variant of join: it bypasses the
// self-join restriction (it is the only way into seamail rooms) but refuses to
// add a user the owner has blocked.
func (s *Storage) OwnerAddMember(roomID uuid.UUID, requester *internal.Identity, targetID string) (*Room, *Cursor, error) {
	var room *Room
	var cursor *Cursor
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		var err error
		room, err = s.Rooms.SelectRoomForUpdate(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return internal.NewNotFoundError("room not found")
		}
		if room.Owner != requester.UserID {
			return internal.NewForbiddenError("only the room owner can add members")
		}
		if room.IsParticipant(targetID) {
			return internal.NewConflictError("user is already a member of this room")
		}
		if internal.IsBlocked(requester, targetID) {
			return internal.NewForbiddenError("cannot add a blocked user")
		}
		room.Participants = append(room.Participants, targetID)
		if err := s.Rooms.UpdateParticipants(txn, roomID, room.Participants); err != nil {
			return err
		}
		// the target's own block/mute sets govern their hidden count
		targetRels, err := s.Relations.SelectMany(txn, []string{targetID})
		if err != nil {
			return err
		}
		var hiddenAuthors []string
		if rel := targetRels[targetID]; rel != nil {
			hiddenAuthors = append(rel.Blocks, rel.Mutes...)
		}
		hidden, err := s.Posts.CountByAuthors(txn, roomID, lo.Uniq(hiddenAuthors))
		if err != nil {
			return err
		}
		cursor = &Cursor{RoomID: roomID, UserID: targetID, ReadCount: 0, HiddenCount: hidden}
		return s.Participants.Insert(txn, cursor)
	})
	if err != nil {
		return nil, nil, err
	}
	return room, cursor, nil
}

func (s *Storage) OwnerRemoveMember(roomID uuid.UUID, requester *internal.Identity, targetID string) (*Room, error) {
	var room *Room
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		var err error
		room, err = s.Rooms.SelectRoomForUpdate(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return internal.NewNotFoundError("room not found")
		}
		if room.Owner != requester.UserID {
			return internal.NewForbiddenError("only the room owner can remove members")
		}
		if !room.IsParticipant(targetID) {
			return internal.NewForbiddenError("user is not a member of this room")
		}
		room.Participants = lo.Without(room.Participants, targetID)
		if err := s.Rooms.UpdateParticipants(txn, roomID, room.Participants); err != nil {
			return err
		}
		return s.Participants.Delete(txn, roomID, targetID)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// PostResult is what a successful RecordPost hands to the fan-out engine:
// the created post, the room as of after the write, and which members had the
// post folded into their hidden count (those get no push and no unread bump).
type PostResult struct {
	Post       *Post
	Room       *Room
	HiddenFrom []string
	// the author's read count after the write, for the seen-checkpoint bump
	AuthorReadCount int
}

// RecordPost appends a post and maintains every member's cursor: hidden counts
// for members who block/mute the author, and the author's own read count
// (authoring implies having read everything visible).
func (s *Storage) RecordPost(roomID uuid.UUID, author *internal.Identity, text, image string) (*PostResult, error) {
	result := &PostResult{}
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		room, err := s.Rooms.SelectRoomForUpdate(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return internal.NewNotFoundError("room not found")
		}
		if !room.IsParticipant(author.UserID) {
			return internal.NewForbiddenError("user is not a member of this room")
		}
		if room.Cancelled {
			return internal.NewInvalidRequestError("room has been cancelled")
		}
		post := &Post{
			RoomID:    roomID,
			Author:    author.UserID,
			Text:      text,
			Image:     image,
			CreatedTS: time.Now().UnixMilli(),
		}
		if _, err := s.Posts.Insert(txn, post); err != nil {
			return err
		}
		newCount, err := s.Rooms.IncrementPostCount(txn, roomID, 1)
		if err != nil {
			return err
		}
		room.PostCount = newCount

		others := lo.Without(room.Participants, author.UserID)
		rels, err := s.Relations.SelectMany(txn, others)
		if err != nil {
			return err
		}
		var hiddenFrom []string
		for _, member := range others {
			if rels[member].Hides(author.UserID) {
				hiddenFrom = append(hiddenFrom, member)
			}
		}
		if err := s.Participants.IncrementHidden(txn, roomID, hiddenFrom, 1); err != nil {
			return err
		}
		// author has read everything they can see
		authorCursor, err := s.selectCursorTxn(txn, roomID, author.UserID)
		if err != nil {
			return err
		}
		internal.Assert("author cursor exists", authorCursor != nil)
		if authorCursor != nil {
			result.AuthorReadCount = newCount - authorCursor.HiddenCount
			if err := s.Participants.SetReadCount(txn, roomID, author.UserID, result.AuthorReadCount); err != nil {
				return err
			}
		}
		result.Post = post
		result.Room = room
		result.HiddenFrom = hiddenFrom
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteResult describes a post deletion for the fan-out engine: which members
// had the post as unread (unread counter decrement) and the repaired room.
type DeleteResult struct {
	Room          *Room
	Author        string
	PositionIndex int
	// members whose unread count included the deleted post
	UnreadFor []string
}

// RecordPostDeletion removes the post and repairs every member's cursor without
// re-scanning the room: hiders lose a hidden count, everyone who had read past
// the deleted post loses a read count. Read counts index each member's visible
// sequence, so the global position is translated per member before comparing.
func (s *Storage) RecordPostDeletion(roomID uuid.UUID, postID int64, requester *internal.Identity) (*DeleteResult, error) {
	result := &DeleteResult{}
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		room, err := s.Rooms.SelectRoomForUpdate(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return internal.NewNotFoundError("room not found")
		}
		post, err := s.Posts.SelectForUpdate(txn, postID)
		if err != nil {
			return err
		}
		if post == nil || post.RoomID != roomID {
			return internal.NewNotFoundError("post not found")
		}
		if post.Author != requester.UserID && requester.AccessLevel < internal.AccessModerator {
			return internal.NewForbiddenError("only the author or a moderator can delete a post")
		}
		position, err := s.Posts.CountBefore(txn, roomID, postID)
		if err != nil {
			return err
		}
		if err := s.Posts.Delete(txn, postID); err != nil {
			return err
		}
		newCount, err := s.Rooms.IncrementPostCount(txn, roomID, -1)
		if err != nil {
			return err
		}
		room.PostCount = newCount

		cursors, err := s.Participants.SelectForRoom(txn, roomID)
		if err != nil {
			return err
		}
		rels, err := s.Relations.SelectMany(txn, room.Participants)
		if err != nil {
			return err
		}
		var hiders []string
		var readPast []string
		var unreadFor []string
		for _, c := range cursors {
			rel := rels[c.UserID]
			if c.UserID != post.Author && rel.Hides(post.Author) {
				hiders = append(hiders, c.UserID)
				continue
			}
			// position within this member's visible sequence: posts by their
			// hidden authors before the deleted post don't count
			visiblePosition := position
			if rel != nil && len(rel.Blocks)+len(rel.Mutes) > 0 {
				hiddenBefore, err := s.Posts.CountByAuthorsBefore(txn, roomID, append(rel.Blocks, rel.Mutes...), postID)
				if err != nil {
					return err
				}
				visiblePosition -= hiddenBefore
			}
			if c.ReadCount > visiblePosition {
				readPast = append(readPast, c.UserID)
			} else if c.UserID != post.Author {
				// the deleted post was still unread for this member
				unreadFor = append(unreadFor, c.UserID)
			}
		}
		if err := s.Participants.IncrementHidden(txn, roomID, hiders, -1); err != nil {
			return err
		}
		if err := s.Participants.DecrementRead(txn, roomID, readPast); err != nil {
			return err
		}
		result.Room = room
		result.Author = post.Author
		result.PositionIndex = position
		result.UnreadFor = unreadFor
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkRead advances the member's read count up to throughIndex, clamped to the
// visible post count. Monotonic: a lower throughIndex never decreases it.
func (s *Storage) MarkRead(roomID uuid.UUID, userID string, throughIndex int) (*Cursor, error) {
	if throughIndex < 0 {
		return nil, internal.NewInvalidRequestError("read index cannot be negative")
	}
	var cursor *Cursor
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		room, err := s.Rooms.SelectRoomForUpdate(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return internal.NewNotFoundError("room not found")
		}
		if !room.IsParticipant(userID) {
			return internal.NewForbiddenError("user is not a member of this room")
		}
		if err := s.Participants.MarkRead(txn, roomID, userID, throughIndex, room.PostCount); err != nil {
			return err
		}
		// re-read inside the transaction: a concurrent leave must not leave the
		// caller with neither a cursor nor an error
		cursor, err = s.selectCursorTxn(txn, roomID, userID)
		if err != nil {
			return err
		}
		if cursor == nil {
			return internal.NewInternalError(fmt.Errorf("cursor missing for member %s in room %s", userID, roomID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (s *Storage) selectCursorTxn(txn *sqlx.Tx, roomID uuid.UUID, userID string) (*Cursor, error) {
	var cursors []Cursor
	err := txn.Select(&cursors, `SELECT room_id, user_id, read_count, hidden_count
		FROM shipboard_participants WHERE room_id=$1 AND user_id=$2`, roomID, userID)
	if err != nil {
		return nil, err
	}
	if len(cursors) == 0 {
		return nil, nil
	}
	return &cursors[0], nil
}

// RoomView is the read-path aggregate: room summary, the caller's cursor (nil
// for non-members), and a page of posts with the caller's hidden authors
// filtered out.
type RoomView struct {
	Room   *Room
	Cursor *Cursor
	Posts  []Post
	Unread int
}

func (s *Storage) SelectRoomView(roomID uuid.UUID, viewer *internal.Identity, limit, offset int) (*RoomView, error) {
	room, err := s.Rooms.SelectRoom(roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, internal.NewNotFoundError("room not found")
	}
	member := room.IsParticipant(viewer.UserID)
	// seamail content is members-only; don't reveal its existence
	if room.Kind.IsSeamail() && !member && viewer.AccessLevel < internal.AccessModerator {
		return nil, internal.NewNotFoundError("room not found")
	}
	hiddenAuthors := lo.Uniq(append(lo.Keys(viewer.Blocks), lo.Keys(viewer.Mutes)...))
	posts, err := s.Posts.SelectRoomPosts(roomID, hiddenAuthors, limit, offset)
	if err != nil {
		return nil, err
	}
	view := &RoomView{Room: room, Posts: posts}
	if member {
		cursor, err := s.Participants.Select(roomID, viewer.UserID)
		if err != nil {
			return nil, err
		}
		if cursor != nil {
			unread := room.PostCount - cursor.HiddenCount - cursor.ReadCount
			internal.Assert("unread count is not negative", unread >= 0)
			if unread < 0 {
				return nil, internal.NewInternalError(fmt.Errorf("cursor arithmetic produced negative unread for %s in %s", viewer.UserID, roomID))
			}
			view.Cursor = cursor
			view.Unread = unread
		}
	}
	return view, nil
}

// UpdateRoom edits title/info/location/capacity. Owner or moderator only.
func (s *Storage) UpdateRoom(roomID uuid.UUID, requester *internal.Identity, mutate func(room *Room) error) (*Room, error) {
	var room *Room
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		var err error
		room, err = s.Rooms.SelectRoomForUpdate(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return internal.NewNotFoundError("room not found")
		}
		if room.Owner != requester.UserID && requester.AccessLevel < internal.AccessModerator {
			return internal.NewForbiddenError("only the room owner can update this room")
		}
		if err := mutate(room); err != nil {
			return err
		}
		if room.MaxCapacity > 0 && room.MinCapacity > room.MaxCapacity {
			return internal.NewInvalidRequestError("min capacity %d exceeds max capacity %d", room.MinCapacity, room.MaxCapacity)
		}
		return s.Rooms.UpdateDetails(txn, room)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Storage) CancelRoom(roomID uuid.UUID, requester *internal.Identity) (*Room, error) {
	var room *Room
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		var err error
		room, err = s.Rooms.SelectRoomForUpdate(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return internal.NewNotFoundError("room not found")
		}
		if room.Owner != requester.UserID && requester.AccessLevel < internal.AccessModerator {
			return internal.NewForbiddenError("only the room owner can cancel this room")
		}
		room.Cancelled = true
		return s.Rooms.SetCancelled(txn, roomID, true)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// RebuildCounts recomputes the user's hidden counts from the posts table using
// their current relation lists, clamping read counts to the new visible totals.
// Incremental maintenance keeps cursors correct only while the relation sets
// are stable; this runs after a block/mute change.
func (s *Storage) RebuildCounts(userID string) error {
	rels, err := s.Relations.Select(userID)
	if err != nil {
		return err
	}
	hiddenAuthors := lo.Keys(rels.HiddenAuthors())
	cursors, err := s.Participants.SelectForUser(userID)
	if err != nil {
		return err
	}
	for _, c := range cursors {
		err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
			room, err := s.Rooms.SelectRoomForUpdate(txn, c.RoomID)
			if err != nil {
				return err
			}
			if room == nil || !room.IsParticipant(userID) {
				// left or deleted since the cursor list was read
				return nil
			}
			hidden, err := s.Posts.CountByAuthors(txn, c.RoomID, hiddenAuthors)
			if err != nil {
				return err
			}
			cursor, err := s.selectCursorTxn(txn, c.RoomID, userID)
			if err != nil || cursor == nil {
				return err
			}
			read := cursor.ReadCount
			if visible := room.PostCount - hidden; read > visible {
				read = visible
			}
			return s.Participants.SetCounts(txn, c.RoomID, userID, read, hidden)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReportRoom files a report; a second report from the same user is a Conflict.
func (s *Storage) ReportRoom(roomID uuid.UUID, reporter *internal.Identity, reason string) error {
	room, err := s.Rooms.SelectRoom(roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return internal.NewNotFoundError("room not found")
	}
	inserted, err := s.Reports.Insert(roomID, reporter.UserID, reason, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if !inserted {
		return internal.NewConflictError("you have already reported this room")
	}
	return nil
}
