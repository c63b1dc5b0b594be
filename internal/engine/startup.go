package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/isometry/dirsync/internal/changes"
	"github.com/isometry/dirsync/internal/config"
	"github.com/isometry/dirsync/internal/identity"
	dirldap "github.com/isometry/dirsync/internal/ldap"
	"github.com/isometry/dirsync/internal/mapping"
	"github.com/isometry/dirsync/internal/state"
	"github.com/isometry/dirsync/internal/syncerr"
)

// Dialer creates the directory client of one side.
type Dialer func(side changes.Side, cc *dirldap.ConnectionConfig) (dirldap.Client, error)

// DialDirectory is the Dialer used outside tests.
func DialDirectory(_ changes.Side, cc *dirldap.ConnectionConfig) (dirldap.Client, error) {
	return dirldap.NewClient(cc)
}

// StartOptions tune Start. The zero value is ready for production use.
type StartOptions struct {
	Dial   Dialer
	Clock  Clock
	Logger *slog.Logger
}

// Daemon is a started synchronization engine.
type Daemon struct {
	Scheduler *Scheduler
	Store     *state.Store
	LDAP      dirldap.Client
	AD        dirldap.Client
	IDs       *identity.Mapper

	instance *InstanceLock
	log      *slog.Logger
}

// Start takes the instance lock, opens the state store, connects to both
// directories and assembles the scheduler. Every failure is a
// *syncerr.FatalConfigError and leaves nothing open.
func Start(ctx context.Context, cfg *config.Config, opts StartOptions) (*Daemon, error) {
	if opts.Dial == nil {
		opts.Dial = DialDirectory
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Daemon{log: opts.Logger}
	if err := d.start(ctx, cfg, opts); err != nil {
		if cerr := d.Close(); cerr != nil {
			d.log.WarnContext(ctx, "failed to release resources after startup failure", "error", cerr)
		}
		return nil, err
	}
	d.log.InfoContext(ctx, "engine started",
		"ldap_base", cfg.LDAP.BaseDN, "ad_base", cfg.AD.BaseDN, "state", d.Store.Path())
	return d, nil
}

func (d *Daemon) start(ctx context.Context, cfg *config.Config, opts StartOptions) error {
	log := d.log

	var err error
	if d.instance, err = AcquireInstanceLock(cfg.LockPath()); err != nil {
		return err
	}

	d.Store, err = state.Open(cfg.StatePath(), state.WithNow(opts.Clock.Now), state.WithLogger(log))
	if err != nil {
		return syncerr.Fatal("state", err)
	}

	if err = d.connect(ctx, cfg, opts); err != nil {
		return err
	}

	d.IDs, err = identity.NewMapper(identity.NewDirectoryResolver(d.AD, cfg.AD.BaseDN), log)
	if err != nil {
		return syncerr.Fatal("identity", err)
	}

	rules, err := cfg.Registry()
	if err != nil {
		return syncerr.Fatal("config", err)
	}
	locks := d.Store.Locks(cfg.LockTTL)
	pipe := mapping.New(cfg.Pipeline(), rules, d.LDAP, d.AD,
		mapping.WithLocker(locks),
		mapping.WithDNPairs(d.Store.DNs()),
		mapping.WithIdentityMapper(d.IDs),
		mapping.WithLogger(log),
	)

	d.Scheduler, err = NewScheduler(Deps{
		Readers: []changes.Reader{
			changes.NewLDAPReader(d.LDAP, cfg.LDAP.BaseDN, cfg.LDAP.AccessLogBase, log),
			changes.NewADReader(d.AD, cfg.AD.BaseDN, d.Store.GUIDs(), log),
		},
		Pipeline: pipe,
		Cursors:  d.Store.Cursors(),
		Locks:    locks,
		Rejects:  d.Store.Rejects(),
		IDs:      d.IDs,
	},
		WithClock(opts.Clock),
		WithLogger(log),
		WithPollInterval(cfg.PollInterval),
		WithBackoff(cfg.BackoffInterval),
		WithRetryEvery(cfg.RetryRejected),
	)
	if err != nil {
		return syncerr.Fatal("engine", err)
	}
	return nil
}

// connect dials both sides concurrently. Each side gets StartupRetries
// attempts separated by the backoff interval.
func (d *Daemon) connect(ctx context.Context, cfg *config.Config, opts StartOptions) error {
	sides := []changes.Side{changes.SideLDAP, changes.SideAD}
	clients := make([]dirldap.Client, len(sides))
	for i, side := range sides {
		cc := cfg.Directory(side).Connection(side.String(), opts.Logger.With("side", side))
		client, err := opts.Dial(side, cc)
		if err != nil {
			d.LDAP, d.AD = clients[0], clients[1]
			return syncerr.Fatal("connect", fmt.Errorf("%s: %w", side, err))
		}
		clients[i] = client
	}
	d.LDAP, d.AD = clients[0], clients[1]

	g, gctx := errgroup.WithContext(ctx)
	for i, side := range sides {
		client := clients[i]
		log := opts.Logger.With("side", side)
		g.Go(func() error {
			var err error
			for attempt := 1; attempt <= cfg.StartupRetries; attempt++ {
				if err = client.Connect(gctx); err == nil {
					log.InfoContext(gctx, "directory connected", "attempt", attempt)
					return nil
				}
				if attempt == cfg.StartupRetries {
					break
				}
				log.WarnContext(gctx, "directory unreachable, retrying",
					"attempt", attempt, "error", err, "backoff", cfg.BackoffInterval)
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-opts.Clock.After(cfg.BackoffInterval):
				}
			}
			return fmt.Errorf("%s unreachable after %d attempts: %w", side, cfg.StartupRetries, err)
		})
	}
	if err := g.Wait(); err != nil {
		return syncerr.Fatal("connect", err)
	}
	return nil
}

// Run runs the scheduler until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	err := d.Scheduler.Run(ctx)

	st := d.Scheduler.Stats()
	d.log.InfoContext(ctx, "engine stopped",
		"cycles", st.Cycles, "applied", st.Applied, "rejected", st.Rejected, "healed", st.Healed)
	return err
}

// Close releases the directories, the state store and the instance lock.
func (d *Daemon) Close() error {
	var errs []error
	for _, c := range []dirldap.Client{d.LDAP, d.AD} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
		d.Store = nil
	}
	errs = append(errs, d.instance.Release())
	d.instance = nil
	d.LDAP, d.AD = nil, nil
	return errors.Join(errs...)
}
