package notes

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mikoto-social/mikoto/models"
)

func strp(s string) *string { return &s }

func setup(t *testing.T) (*Store, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrateAll(db))
	return NewStore(db), db
}

func mkUser(t *testing.T, db *gorm.DB, id string) *models.User {
	u := &models.User{ID: id, Username: id}
	require.NoError(t, db.Create(u).Error)
	return u
}

func TestResolveGoneNote(t *testing.T) {
	store, _ := setup(t)
	pn, err := store.Resolve(context.TODO(), "nope", nil, true)
	require.NoError(t, err)
	assert.Nil(t, pn)
}

func TestResolveFollowersOnly(t *testing.T) {
	store, db := setup(t)
	author := mkUser(t, db, "author")
	follower := mkUser(t, db, "follower")
	stranger := mkUser(t, db, "stranger")
	require.NoError(t, db.Create(&models.FollowRecord{Follower: "follower", Followee: "author"}).Error)

	note := &models.Note{ID: "n1", AuthorID: author.ID, Visibility: models.VisibilityFollowers, Text: strp("secret")}
	require.NoError(t, db.Create(note).Error)

	pn, err := store.Resolve(context.TODO(), "n1", follower, false)
	require.NoError(t, err)
	assert.False(t, pn.IsHidden)
	assert.Equal(t, "secret", *pn.Text)

	pn, err = store.Resolve(context.TODO(), "n1", stranger, false)
	require.NoError(t, err)
	assert.True(t, pn.IsHidden)
	assert.Nil(t, pn.Text)

	pn, err = store.Resolve(context.TODO(), "n1", nil, false)
	require.NoError(t, err)
	assert.True(t, pn.IsHidden)

	pn, err = store.Resolve(context.TODO(), "n1", author, false)
	require.NoError(t, err)
	assert.False(t, pn.IsHidden)
}

func TestResolveSpecified(t *testing.T) {
	store, db := setup(t)
	author := mkUser(t, db, "author")
	mentioned := mkUser(t, db, "mentioned")
	stranger := mkUser(t, db, "stranger")
	_ = author

	note := &models.Note{
		ID: "n1", AuthorID: "author",
		Visibility:     models.VisibilitySpecified,
		Text:           strp("dm-ish"),
		VisibleUserIDs: []string{"mentioned"},
	}
	require.NoError(t, db.Create(note).Error)

	pn, err := store.Resolve(context.TODO(), "n1", mentioned, false)
	require.NoError(t, err)
	assert.False(t, pn.IsHidden)

	pn, err = store.Resolve(context.TODO(), "n1", stranger, false)
	require.NoError(t, err)
	assert.True(t, pn.IsHidden)
}

func TestResolveDetailHydratesReferences(t *testing.T) {
	store, db := setup(t)
	mkUser(t, db, "author")
	mkUser(t, db, "other")
	viewer := mkUser(t, db, "viewer")

	require.NoError(t, db.Create(&models.Note{ID: "parent", AuthorID: "other", Visibility: models.VisibilityPublic, Text: strp("parent")}).Error)
	require.NoError(t, db.Create(&models.Note{ID: "boosted", AuthorID: "other", Visibility: models.VisibilityFollowers, Text: strp("boosted")}).Error)
	require.NoError(t, db.Create(&models.Note{
		ID: "n1", AuthorID: "author", Visibility: models.VisibilityPublic,
		ReplyID: strp("parent"), RenoteID: strp("boosted"), Text: strp("reply"),
	}).Error)

	pn, err := store.Resolve(context.TODO(), "n1", viewer, true)
	require.NoError(t, err)
	require.NotNil(t, pn.Reply)
	assert.Equal(t, "parent", pn.Reply.ID)

	// the renote is followers-only and the viewer does not follow
	require.NotNil(t, pn.Renote)
	assert.True(t, pn.Renote.IsHidden)

	// without detail, references stay flat
	pn, err = store.Resolve(context.TODO(), "n1", viewer, false)
	require.NoError(t, err)
	assert.Nil(t, pn.Reply)
	assert.Nil(t, pn.Renote)
}

func TestPackHydratesBroadcastCopy(t *testing.T) {
	store, db := setup(t)
	mkUser(t, db, "author")
	mkUser(t, db, "other")

	require.NoError(t, db.Create(&models.Note{ID: "parent", AuthorID: "other", Visibility: models.VisibilityPublic, Text: strp("parent")}).Error)
	note := &models.Note{ID: "n1", AuthorID: "author", Visibility: models.VisibilityPublic, ReplyID: strp("parent"), Text: strp("hi")}
	require.NoError(t, db.Create(note).Error)

	pn, err := store.Pack(context.TODO(), note)
	require.NoError(t, err)
	require.NotNil(t, pn.Reply)
	assert.Equal(t, "other", pn.Reply.UserID)
	assert.Equal(t, "hi", *pn.Text)
}
