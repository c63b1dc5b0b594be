package changes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/dirsync/internal/ldap/ldaptest"
	"github.com/isometry/dirsync/internal/syncerr"
)

const ldapBase = "dc=example,dc=com"

var logStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newAccessLogDirectory() *ldaptest.Directory {
	return ldaptest.New(ldaptest.FlavorLDAP, ldapBase,
		ldaptest.WithAccessLog(DefaultAccessLogBase),
		ldaptest.WithClock(func() time.Time { return logStart }))
}

func identities(batch *Batch) []string {
	var out []string
	for _, obj := range batch.Objects {
		out = append(out, string(obj.ChangeType)+" "+obj.Identity)
	}
	return out
}

func TestLDAPReader_Poll(t *testing.T) {
	ctx := context.Background()
	d := newAccessLogDirectory()
	r := NewLDAPReader(d, ldapBase, "", nil)
	assert.Equal(t, SideLDAP, r.Side())

	d.MustAdd(t, "ou=people,"+ldapBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	d.MustAdd(t, "uid=ada,ou=people,"+ldapBase, map[string][]string{"objectClass": {"person"}, "cn": {"Ada"}})
	d.MustModify(t, "uid=ada,ou=people,"+ldapBase, map[string][]string{"cn": {"Ada L"}})
	d.MustModify(t, "uid=ada,ou=people,"+ldapBase, map[string][]string{"cn": {"Ada Lovelace"}})

	batch, err := r.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"create ou=people," + ldapBase,
		"create uid=ada,ou=people," + ldapBase,
		"modify uid=ada,ou=people," + ldapBase,
	}, identities(batch), "repeated modifies are coalesced")
	assert.Equal(t, logStart.Add(3*time.Microsecond).UnixMicro(), batch.Position)
	assert.Equal(t, "Ada Lovelace", batch.Objects[1].Attrs().String("cn"), "events carry the current entry state")
	assert.Equal(t, batch.Objects[2].Position, batch.Position)
	cursor := batch.Position

	batch, err = r.Poll(ctx, cursor)
	require.NoError(t, err)
	assert.True(t, batch.Empty(), "the entry at the cursor is not delivered again")
	assert.Equal(t, cursor, batch.Position)

	t.Run("rename and delete", func(t *testing.T) {
		d.MustMove(t, "uid=ada,ou=people,"+ldapBase, "uid=lovelace", "")
		d.MustDelete(t, "uid=lovelace,ou=people,"+ldapBase)

		batch, err := r.Poll(ctx, cursor)
		require.NoError(t, err)
		require.Len(t, batch.Objects, 1, "the rename target is gone, only the delete remains")
		obj := batch.Objects[0]
		assert.Equal(t, ChangeDelete, obj.ChangeType)
		assert.Equal(t, "uid=lovelace,ou=people,"+ldapBase, obj.Identity)
		assert.True(t, obj.Attrs().HasObjectClass("person"), "delete attributes come from reqOld")
		assert.Equal(t, logStart.Add(5*time.Microsecond).UnixMicro(), batch.Position)
		cursor = batch.Position
	})

	t.Run("rename", func(t *testing.T) {
		d.MustAdd(t, "uid=bob,ou=people,"+ldapBase, map[string][]string{"objectClass": {"person"}})
		d.MustMove(t, "uid=bob,ou=people,"+ldapBase, "uid=robert", "")

		batch, err := r.Poll(ctx, cursor)
		require.NoError(t, err)
		assert.Equal(t, []string{"rename uid=robert,ou=people," + ldapBase}, identities(batch))
		assert.Equal(t, "uid=bob,ou=people,"+ldapBase, batch.Objects[0].OldIdentity)
		assert.Equal(t, "robert", batch.Objects[0].Attrs().String("uid"))
		assert.Equal(t, logStart.Add(7*time.Microsecond).UnixMicro(), batch.Position, "skipped events still move the position")
	})
}

func TestLDAPReader_BaseFilter(t *testing.T) {
	ctx := context.Background()
	d := newAccessLogDirectory()
	d.MustAdd(t, "ou=sync,"+ldapBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	d.MustAdd(t, "ou=other,"+ldapBase, map[string][]string{"objectClass": {"organizationalUnit"}})

	r := NewLDAPReader(d, "ou=sync,"+ldapBase, DefaultAccessLogBase, nil)
	batch, err := r.Poll(ctx, 0)
	require.NoError(t, err)
	cursor := batch.Position

	d.MustAdd(t, "uid=a,ou=other,"+ldapBase, map[string][]string{"objectClass": {"person"}})
	d.MustAdd(t, "uid=b,ou=sync,"+ldapBase, map[string][]string{"objectClass": {"person"}})
	d.MustMove(t, "uid=a,ou=other,"+ldapBase, "uid=a", "ou=sync,"+ldapBase)
	d.MustMove(t, "uid=b,ou=sync,"+ldapBase, "uid=b", "ou=other,"+ldapBase)

	batch, err = r.Poll(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"create uid=a,ou=sync," + ldapBase,
		"delete uid=b,ou=sync," + ldapBase,
	}, identities(batch), "moves across the base become creates and deletes")
	assert.True(t, batch.Objects[1].Attrs().HasObjectClass("person"))
}

func TestLDAPReader_Unreachable(t *testing.T) {
	d := newAccessLogDirectory()
	d.SetDown(true)

	r := NewLDAPReader(d, ldapBase, "", nil)
	_, err := r.Poll(context.Background(), 0)
	assert.ErrorIs(t, err, syncerr.ErrTransient)
}

func TestParseOldValues(t *testing.T) {
	bag := parseOldValues([]string{"objectClass: top", "objectClass: person", "cn: a: b", "garbage"})
	assert.Equal(t, []string{"top", "person"}, bag.Strings("objectClass"))
	assert.Equal(t, "a: b", bag.String("cn"))
	assert.Equal(t, 2, bag.Len())
}
