package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/dirsync/internal/changes"
	"github.com/isometry/dirsync/internal/config"
	"github.com/isometry/dirsync/internal/identity"
	dirldap "github.com/isometry/dirsync/internal/ldap"
	"github.com/isometry/dirsync/internal/ldap/ldaptest"
	"github.com/isometry/dirsync/internal/syncerr"
)

const (
	ldapBase  = "dc=example,dc=com"
	adBase    = "DC=example,DC=com"
	domainSID = "S-1-5-21-1004336348-1177238915-682003330"
)

type directories struct {
	ldap *ldaptest.Directory
	ad   *ldaptest.Directory
}

func newDirectories(t *testing.T) *directories {
	t.Helper()
	sid, err := identity.ParseSID(domainSID)
	require.NoError(t, err)
	return &directories{
		ldap: ldaptest.New(ldaptest.FlavorLDAP, ldapBase, ldaptest.WithAccessLog(changes.DefaultAccessLogBase)),
		ad:   ldaptest.New(ldaptest.FlavorAD, adBase, ldaptest.WithDomainSID(sid.Bytes())),
	}
}

func (d *directories) dial(side changes.Side, _ *dirldap.ConnectionConfig) (dirldap.Client, error) {
	if side == changes.SideAD {
		return d.ad, nil
	}
	return d.ldap, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		LDAP: config.DirectoryConfig{
			URLs:           []string{"ldap://ldap.example.com"},
			BaseDN:         ldapBase,
			AccessLogBase:  changes.DefaultAccessLogBase,
			Timeout:        time.Second,
			MaxConnections: 1,
		},
		AD: config.DirectoryConfig{
			URLs:           []string{"ldaps://dc.example.com"},
			BaseDN:         adBase,
			Timeout:        time.Second,
			MaxConnections: 1,
		},
		PollInterval:    time.Second,
		RetryRejected:   2,
		BackoffInterval: 10 * time.Millisecond,
		LockTTL:         lockTTL,
		StartupRetries:  2,
		StateDir:        t.TempDir(),
		Log:             config.LogConfig{Level: "info"},
	}
}

func start(t *testing.T, cfg *config.Config, dirs *directories) *Daemon {
	t.Helper()
	d, err := Start(context.Background(), cfg, StartOptions{Dial: dirs.dial, Clock: NewManualClock(epoch)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	// Start the AD feed after the entries the directory was created with.
	require.NoError(t, d.Store.Cursors().Advance(context.Background(), changes.SideAD, dirs.ad.USN()))
	return d
}

func TestStart_InstanceLock(t *testing.T) {
	cfg := testConfig(t)
	dirs := newDirectories(t)

	d, err := Start(context.Background(), cfg, StartOptions{Dial: dirs.dial})
	require.NoError(t, err)

	_, err = Start(context.Background(), cfg, StartOptions{Dial: dirs.dial})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstanceLocked)
	assert.Equal(t, syncerr.KindFatal, syncerr.Classify(err))

	require.NoError(t, d.Close())

	d, err = Start(context.Background(), cfg, StartOptions{Dial: dirs.dial})
	require.NoError(t, err, "the lock is released on close")
	require.NoError(t, d.Close())
}

func TestStart_UnreachableDirectory(t *testing.T) {
	cfg := testConfig(t)
	dirs := newDirectories(t)
	dirs.ad.SetDown(true)

	_, err := Start(context.Background(), cfg, StartOptions{Dial: dirs.dial})
	require.Error(t, err)
	var fatal *syncerr.FatalConfigError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "connect", fatal.Component)
	assert.Contains(t, err.Error(), "after 2 attempts")

	dirs.ad.SetDown(false)
	d, err := Start(context.Background(), cfg, StartOptions{Dial: dirs.dial})
	require.NoError(t, err, "a failed start releases everything it took")
	require.NoError(t, d.Close())
}

func TestStart_FailureIsFatal(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, cfg *config.Config, dirs *directories)
		component string
	}{
		{
			name: "instance locked",
			setup: func(t *testing.T, cfg *config.Config, _ *directories) {
				lock, err := AcquireInstanceLock(cfg.LockPath())
				require.NoError(t, err)
				t.Cleanup(func() { _ = lock.Release() })
			},
			component: "instance",
		},
		{
			name: "unusable state store",
			setup: func(t *testing.T, cfg *config.Config, _ *directories) {
				require.NoError(t, os.WriteFile(cfg.StatePath(), []byte("not a database"), 0o600))
			},
			component: "state",
		},
		{
			name: "directory down",
			setup: func(_ *testing.T, _ *config.Config, dirs *directories) {
				dirs.ad.SetDown(true)
			},
			component: "connect",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			dirs := newDirectories(t)
			tt.setup(t, cfg, dirs)

			var (
				d   *Daemon
				err error
			)
			require.NotPanics(t, func() {
				d, err = Start(context.Background(), cfg, StartOptions{Dial: dirs.dial})
			})
			assert.Nil(t, d)
			var fatal *syncerr.FatalConfigError
			require.ErrorAs(t, err, &fatal)
			assert.Equal(t, tt.component, fatal.Component)
		})
	}
}

func TestStart_FailureReleasesInstanceLock(t *testing.T) {
	cfg := testConfig(t)
	dirs := newDirectories(t)
	dirs.ldap.SetDown(true)

	_, err := Start(context.Background(), cfg, StartOptions{Dial: dirs.dial})
	require.Error(t, err)

	lock, err := AcquireInstanceLock(cfg.LockPath())
	require.NoError(t, err, "a failed start leaves the instance lock free")
	require.NoError(t, lock.Release())
}

func TestEngine_LoopPrevention(t *testing.T) {
	ctx := context.Background()
	dirs := newDirectories(t)
	d := start(t, testConfig(t), dirs)
	ldapWrites := dirs.ldap.Writes()

	dirs.ldap.MustAdd(t, "ou=people,"+ldapBase, map[string][]string{"objectClass": {"top", "organizationalUnit"}})
	userDN := "uid=ada,ou=people," + ldapBase
	dirs.ldap.MustAdd(t, userDN, map[string][]string{
		"objectClass": {"top", "person", "inetOrgPerson"},
		"uid":         {"ada"},
		"sn":          {"Lovelace"},
		"sambaRID":    {"1104"},
	})

	require.NoError(t, d.Scheduler.RunCycle(ctx))
	adUser := "CN=ada,OU=people," + adBase
	require.True(t, dirs.ad.Exists(adUser))
	st := d.Scheduler.Stats()
	assert.Equal(t, int64(2), st.Applied)
	assert.Equal(t, int64(2), st.Discarded, "the AD feed returns both writes and both are recognized")

	adWrites := dirs.ad.Writes()
	require.NoError(t, d.Scheduler.RunCycle(ctx))
	assert.Equal(t, adWrites, dirs.ad.Writes())
	assert.Equal(t, ldapWrites+2, dirs.ldap.Writes(), "nothing was written back to LDAP")

	t.Run("AD change comes back once", func(t *testing.T) {
		dirs.ad.MustModify(t, adUser, map[string][]string{"description": {"analyst"}})

		require.NoError(t, d.Scheduler.RunCycle(ctx))
		assert.Equal(t, "analyst", dirs.ldap.Entry(userDN).String("description"))
		adWrites := dirs.ad.Writes()
		discarded := d.Scheduler.Stats().Discarded

		require.NoError(t, d.Scheduler.RunCycle(ctx))
		assert.Equal(t, discarded+1, d.Scheduler.Stats().Discarded, "the LDAP echo is discarded")
		assert.Equal(t, adWrites, dirs.ad.Writes())
	})

	n, err := d.Store.Locks(lockTTL).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "every lock was consumed by its echo")
}

func TestEngine_MissingParentHealsOnRetry(t *testing.T) {
	ctx := context.Background()
	dirs := newDirectories(t)
	cfg := testConfig(t)
	cfg.Rules = map[string]config.RuleConfig{"container": {SyncMode: "none"}}
	d := start(t, cfg, dirs)

	dirs.ldap.MustAdd(t, "ou=people,"+ldapBase, map[string][]string{"objectClass": {"top", "organizationalUnit"}})
	userDN := "uid=ada,ou=people," + ldapBase
	dirs.ldap.MustAdd(t, userDN, map[string][]string{
		"objectClass": {"top", "person", "inetOrgPerson"},
		"uid":         {"ada"},
		"sn":          {"Lovelace"},
		"sambaRID":    {"1104"},
	})

	require.NoError(t, d.Scheduler.RunCycle(ctx))
	rc, err := d.Store.Rejects().Get(ctx, changes.SideLDAP, userDN)
	require.NoError(t, err)
	require.NotNil(t, rc, "the user cannot be created without its OU")
	assert.Contains(t, rc.Reason, "constraint violation")
	adUser := "CN=ada,OU=people," + adBase
	assert.False(t, dirs.ad.Exists(adUser))

	dirs.ad.MustAdd(t, "OU=people,"+adBase, map[string][]string{"objectClass": {"top", "organizationalUnit"}})

	require.NoError(t, d.Scheduler.RunCycle(ctx))
	require.True(t, dirs.ad.Exists(adUser), "the retry on cycle 2 creates the user")
	sid, err := identity.DecodeSID(dirs.ad.Entry(adUser).First("objectSid"))
	require.NoError(t, err)
	assert.Equal(t, domainSID+"-1104", sid.String())

	pending, err := d.Store.Rejects().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, int64(1), d.Scheduler.Stats().Healed)

	discarded := d.Scheduler.Stats().Discarded
	require.NoError(t, d.Scheduler.RunCycle(ctx))
	assert.Equal(t, discarded+1, d.Scheduler.Stats().Discarded, "the healed write is an echo too")
}
