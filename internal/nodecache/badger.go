package nodecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/fscrypt/filesystem"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// maxConflictRetries bounds optimistic transaction retries under
// contention for the same key.
const maxConflictRetries = 16

type BadgerConfig struct {
	Config
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// MinimumFreeSpace in bytes on the volume holding Path.
	MinimumFreeSpace uint64
	// Logger receives badger's internal logging. Nil uses a logrus logger
	// at warning level.
	Logger *logrus.Logger
}

// Badger is a Cache for single-process deployments. It is only shared by
// goroutines of one process.
type Badger struct {
	config Config
	db     *badger.DB
	log    *logrus.Logger
}

var _ Cache = (*Badger)(nil)

func NewBadger(config BadgerConfig) (*Badger, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetLevel(logrus.WarnLevel)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, errors.New("nodecache: badger path is empty")
		}
		if err := checkFreeSpace(config.Path, config.MinimumFreeSpace); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(config.Path)
		opts.ValueLogFileSize = 1024 * 1024 * 100
	}
	opts = opts.WithLogger(config.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	if !config.InMemory {
		logDiskUsage(config.Logger, config.Path)
	}

	return &Badger{
		config: config.Config.withDefaults(),
		db:     db,
		log:    config.Logger,
	}, nil
}

func checkFreeSpace(path string, minimum uint64) error {
	if minimum == 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", path, err)
	}
	if usage.Free < minimum {
		return fmt.Errorf("not enough free space on %s: %d < %d bytes", path, usage.Free, minimum)
	}
	return nil
}

func logDiskUsage(log *logrus.Logger, path string) {
	fields := logrus.Fields{"path": path}
	if usage, err := disk.Usage(path); err == nil {
		fields["total_gb"] = fmt.Sprintf("%.2f", float64(usage.Total)/1e9)
		fields["used_gb"] = fmt.Sprintf("%.2f", float64(usage.Used)/1e9)
		fields["free_gb"] = fmt.Sprintf("%.2f", float64(usage.Free)/1e9)
	}
	if mnt, err := filesystem.FindMount(path); err == nil {
		fields["device"] = mnt.Device
		fields["mount_point"] = mnt.Path
	}
	log.WithFields(fields).Info("opened badger node cache")
}

// update runs fn in a read-write transaction, retrying on SSI conflicts.
func (b *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return badger.ErrConflict
}

func (b *Badger) acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	lease := Lease{Key: key, Token: newToken()}
	acquired := false
	err := b.update(ctx, func(txn *badger.Txn) error {
		acquired = false
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		m := marker{kind: markerInFlight, token: lease.Token, at: time.Now()}
		if err := txn.SetEntry(badger.NewEntry([]byte(key), m.encode()).WithTTL(ttl)); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return Lease{}, false, unavailable("acquire", err)
	}
	if !acquired {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

func (b *Badger) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	return b.acquire(ctx, key, b.config.InFlightTTL)
}

func (b *Badger) Release(ctx context.Context, lease Lease) error {
	err := b.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lease.Key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		m, err := decodeMarker(raw)
		if err != nil || m.kind != markerInFlight || m.token != lease.Token {
			return nil
		}
		return txn.Delete([]byte(lease.Key))
	})
	if err != nil {
		return unavailable("release", err)
	}
	return nil
}

func (b *Badger) MarkCommitted(ctx context.Context, lease Lease) error {
	m := marker{kind: markerCommitted, at: time.Now()}
	err := b.update(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(lease.Key), m.encode())
		if b.config.CommittedTTL > 0 {
			e = e.WithTTL(b.config.CommittedTTL)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return unavailable("mark committed", err)
	}
	return nil
}

func (b *Badger) IsCommitted(ctx context.Context, key string) (bool, error) {
	committed := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m, err := decodeMarker(val)
			if err != nil {
				return err
			}
			committed = m.kind == markerCommitted
			return nil
		})
	})
	if err != nil {
		return false, unavailable("is committed", err)
	}
	return committed, nil
}

func (b *Badger) AcquireLock(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	return b.acquire(ctx, PrefixLock+name, ttl)
}

func (b *Badger) Incr(ctx context.Context, name string, delta int64) (int64, error) {
	key := []byte(PrefixCounter + name)
	var value int64
	err := b.update(ctx, func(txn *badger.Txn) error {
		value = 0
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if value, err = decodeCounter(raw); err != nil {
				return err
			}
		}
		value += delta
		return txn.Set(key, encodeCounter(value))
	})
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return value, nil
}

func (b *Badger) SetState(ctx context.Context, name, value string, ttl time.Duration) error {
	err := b.update(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(PrefixState+name), []byte(value))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return unavailable("set state", err)
	}
	return nil
}

func (b *Badger) GetState(ctx context.Context, name string) (string, bool, error) {
	var value []byte
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(PrefixState + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return "", false, unavailable("get state", err)
	}
	return string(value), found, nil
}

func (b *Badger) ResetEphemeral(ctx context.Context) (int, error) {
	removed := 0
	prefixes := make([][]byte, 0, len(ephemeralPrefixes))
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, p := range ephemeralPrefixes {
			prefix := []byte(p)
			prefixes = append(prefixes, prefix)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("scan", err)
	}
	if err := b.db.DropPrefix(prefixes...); err != nil {
		return 0, unavailable("drop prefix", err)
	}
	b.log.WithField("removed", removed).Info("reset ephemeral cache state")
	return removed, nil
}

func (b *Badger) Ping(context.Context) error {
	if b.db.IsClosed() {
		return fmt.Errorf("%w: badger is closed", ErrUnavailable)
	}
	return nil
}

// CollectGarbage rewrites value log files that are mostly expired
// markers.
func (b *Badger) CollectGarbage() error {
	for {
		err := b.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) ||
			errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("badger value log gc: %w", err)
		}
	}
}

func (b *Badger) Close() error {
	return b.db.Close()
}
