package changes

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/dirsync/internal/ldap/ldaptest"
	"github.com/isometry/dirsync/internal/syncerr"
)

type memGUIDs map[string]string

func (m memGUIDs) LookupGUID(_ context.Context, guid string) (string, error) {
	return m[strings.ToLower(guid)], nil
}

func (m memGUIDs) RememberGUID(_ context.Context, guid, dn string) error {
	m[strings.ToLower(guid)] = dn
	return nil
}

func (m memGUIDs) ForgetGUID(_ context.Context, guid string) error {
	delete(m, strings.ToLower(guid))
	return nil
}

const adBase = "DC=example,DC=com"

func acknowledgeAll(t *testing.T, r *ADReader, batch *Batch) {
	t.Helper()
	for _, obj := range batch.Objects {
		require.NoError(t, r.Acknowledge(context.Background(), obj))
	}
}

func TestADReader_Lifecycle(t *testing.T) {
	ctx := context.Background()
	d := ldaptest.New(ldaptest.FlavorAD, adBase)
	guids := memGUIDs{}
	r := NewADReader(d, adBase, guids, nil)
	assert.Equal(t, SideAD, r.Side())

	cursor := d.USN()
	d.MustAdd(t, "OU=people,"+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	d.MustAdd(t, "OU=staff,"+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	d.MustAdd(t, "CN=ada,OU=people,"+adBase, map[string][]string{"objectClass": {"user"}, "sAMAccountName": {"ada"}})

	batch, err := r.Poll(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, batch.Objects, 3)
	for _, obj := range batch.Objects {
		assert.Equal(t, ChangeCreate, obj.ChangeType, obj.Identity)
		assert.NotEmpty(t, obj.GUID)
	}
	assert.Equal(t, "CN=ada,OU=people,"+adBase, batch.Objects[2].Identity)
	assert.Equal(t, d.USN(), batch.Position)
	acknowledgeAll(t, r, batch)
	cursor = batch.Position

	t.Run("modify", func(t *testing.T) {
		d.MustModify(t, "CN=ada,OU=people,"+adBase, map[string][]string{"description": {"engineer"}})

		batch, err := r.Poll(ctx, cursor)
		require.NoError(t, err)
		require.Len(t, batch.Objects, 1)
		obj := batch.Objects[0]
		assert.Equal(t, ChangeModify, obj.ChangeType)
		assert.Equal(t, "engineer", obj.Attrs().String("description"))
		assert.Equal(t, d.USN(), obj.Position)
		acknowledgeAll(t, r, batch)
		cursor = batch.Position
	})

	t.Run("rename", func(t *testing.T) {
		d.MustMove(t, "CN=ada,OU=people,"+adBase, "CN=ada", "OU=staff,"+adBase)

		batch, err := r.Poll(ctx, cursor)
		require.NoError(t, err)
		require.Len(t, batch.Objects, 1)
		obj := batch.Objects[0]
		assert.Equal(t, ChangeRename, obj.ChangeType)
		assert.Equal(t, "CN=ada,OU=staff,"+adBase, obj.Identity)
		assert.Equal(t, "CN=ada,OU=people,"+adBase, obj.OldIdentity)
		acknowledgeAll(t, r, batch)
		cursor = batch.Position
	})

	t.Run("delete", func(t *testing.T) {
		guid := guids.find("CN=ada,OU=staff," + adBase)
		require.NotEmpty(t, guid)
		d.MustDelete(t, "CN=ada,OU=staff,"+adBase)

		batch, err := r.Poll(ctx, cursor)
		require.NoError(t, err)
		require.Len(t, batch.Objects, 1)
		obj := batch.Objects[0]
		assert.Equal(t, ChangeDelete, obj.ChangeType)
		assert.Equal(t, "CN=ada,OU=staff,"+adBase, obj.Identity)
		assert.True(t, obj.Attrs().HasObjectClass("user"))
		assert.Equal(t, guid, obj.GUID)

		acknowledgeAll(t, r, batch)
		assert.Empty(t, guids.find("CN=ada,OU=staff,"+adBase))
		cursor = batch.Position
	})

	t.Run("nothing new", func(t *testing.T) {
		batch, err := r.Poll(ctx, cursor)
		require.NoError(t, err)
		assert.True(t, batch.Empty())
		assert.Equal(t, cursor, batch.Position)
	})
}

func (m memGUIDs) find(dn string) string {
	for guid, known := range m {
		if strings.EqualFold(known, dn) {
			return guid
		}
	}
	return ""
}

func TestADReader_BaseFilter(t *testing.T) {
	ctx := context.Background()
	d := ldaptest.New(ldaptest.FlavorAD, adBase)
	d.MustAdd(t, "OU=sync,"+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	d.MustAdd(t, "OU=other,"+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	cursor := d.USN()

	d.MustAdd(t, "CN=in,OU=sync,"+adBase, map[string][]string{"objectClass": {"user"}})
	d.MustAdd(t, "CN=out,OU=other,"+adBase, map[string][]string{"objectClass": {"user"}})
	d.MustDelete(t, "CN=out,OU=other,"+adBase)

	r := NewADReader(d, "OU=sync,"+adBase, memGUIDs{}, nil)
	batch, err := r.Poll(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, batch.Objects, 1)
	assert.Equal(t, "CN=in,OU=sync,"+adBase, batch.Objects[0].Identity)
}

func TestADReader_SizeLimitWindows(t *testing.T) {
	ctx := context.Background()
	d := ldaptest.New(ldaptest.FlavorAD, adBase, ldaptest.WithSizeLimit(2))
	cursor := d.USN()

	d.MustAdd(t, "CN=a,"+adBase, map[string][]string{"objectClass": {"user"}})
	d.MustAdd(t, "CN=b,"+adBase, map[string][]string{"objectClass": {"user"}})
	for i := 0; i < usnWindow; i++ {
		d.MustModify(t, "CN=b,"+adBase, map[string][]string{"description": {strings.Repeat("x", i%7+1)}})
	}
	d.MustAdd(t, "CN=c,"+adBase, map[string][]string{"objectClass": {"user"}})

	r := NewADReader(d, adBase, memGUIDs{}, nil)
	batch, err := r.Poll(ctx, cursor)
	require.NoError(t, err)

	var dns []string
	for _, obj := range batch.Objects {
		dns = append(dns, obj.Identity)
	}
	assert.Equal(t, []string{"CN=a," + adBase, "CN=b," + adBase, "CN=c," + adBase}, dns)
	assert.Equal(t, d.USN(), batch.Position)
}

func TestADReader_Unreachable(t *testing.T) {
	d := ldaptest.New(ldaptest.FlavorAD, adBase)
	d.SetDown(true)

	r := NewADReader(d, adBase, memGUIDs{}, nil)
	_, err := r.Poll(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrTransient))

	_, err = r.Fetch(context.Background(), "CN=a,"+adBase)
	assert.ErrorIs(t, err, syncerr.ErrTransient)
}

func TestADReader_Fetch(t *testing.T) {
	d := ldaptest.New(ldaptest.FlavorAD, adBase)
	d.MustAdd(t, "CN=a,"+adBase, map[string][]string{"objectClass": {"user"}, "sAMAccountName": {"a"}})

	r := NewADReader(d, adBase, memGUIDs{}, nil)
	obj, err := r.Fetch(context.Background(), "cn=A,dc=example,dc=com")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "CN=a,"+adBase, obj.Identity)
	assert.Equal(t, "a", obj.Attrs().String("sAMAccountName"))

	obj, err = r.Fetch(context.Background(), "CN=missing,"+adBase)
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestDeletedObjectDN(t *testing.T) {
	d := ldaptest.New(ldaptest.FlavorAD, adBase)
	d.MustAdd(t, "CN=Doe\\, John,"+adBase, map[string][]string{"objectClass": {"user"}})
	d.MustDelete(t, "CN=Doe\\, John,"+adBase)

	r := NewADReader(d, adBase, memGUIDs{}, nil)
	batch, err := r.Poll(context.Background(), 0)
	require.NoError(t, err)

	var deleted []string
	for _, obj := range batch.Objects {
		if obj.ChangeType == ChangeDelete {
			deleted = append(deleted, obj.Identity)
		}
	}
	assert.Equal(t, []string{"CN=Doe\\, John," + adBase}, deleted)
}
