package persist

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/provider"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var bucketTombstones = []byte("_tombstones")

// Config declares a persistence provider
type Config struct {
	// Path overrides the database file location. Defaults to
	// <providerDir>/<workspaceId>.db.
	Path string
}

// record is the stored form of one row: the value plus the logical clock
// it was persisted at, so hydration replays with last-writer-wins intact.
type record struct {
	Value map[string]any `json:"value"`
	Clock uint64         `json:"clock"`
}

// Store hydrates a document from a bbolt file on initialization and
// writes every committed transaction behind it.
type Store struct {
	workspaceID string
	origin      string
	db          *bolt.DB
	doc         *crdt.Doc
	logger      zerolog.Logger
	unobserve   []func()
}

// Provide builds the persistence provider factory
func Provide(cfg Config) provider.Factory {
	return func(ctx provider.Context) (*provider.Exports, error) {
		s, err := open(cfg, ctx)
		if err != nil {
			return nil, err
		}
		ready := make(chan struct{})
		close(ready)
		return &provider.Exports{
			Values:    map[string]any{"persist": s},
			Destroy:   s.close,
			WhenReady: ready,
		}, nil
	}
}

func open(cfg Config, ctx provider.Context) (*Store, error) {
	if ctx.Paths == nil {
		return nil, fmt.Errorf("persistence provider requires a filesystem runtime")
	}

	path := cfg.Path
	if path == "" {
		path = filepath.Join(ctx.Paths.Provider, ctx.WorkspaceID+".db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		workspaceID: ctx.WorkspaceID,
		origin:      "persist:" + ctx.ProviderID,
		db:          db,
		doc:         ctx.Doc,
		logger:      ctx.Logger.With().Str("component", "persist").Logger(),
	}

	tables := ctx.Schema.Tables()
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTombstones); err != nil {
			return err
		}
		for _, table := range tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	if err := s.hydrate(tables); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	for _, table := range tables {
		s.unobserve = append(s.unobserve, ctx.Doc.Observe(table, s.observer(table)))
	}

	s.logger.Info().Str("path", path).Msg("Persistence provider ready")
	return s, nil
}

// hydrate replays the stored state into the document. The update carries
// the persisted clocks and a provider-specific origin, so observers can
// tell hydration from runtime mutation and last-writer-wins stays
// correct against rows that arrived before hydration ran.
func (s *Store) hydrate(tables []string) error {
	update := crdt.Update{GUID: s.workspaceID}
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, table := range tables {
			b := tx.Bucket([]byte(table))
			err := b.ForEach(func(k, v []byte) error {
				var rec record
				if err := json.Unmarshal(v, &rec); err != nil {
					s.logger.Error().Err(err).Str("table", table).Str("id", string(k)).
						Msg("Skipping corrupt persisted row")
					return nil
				}
				update.Ops = append(update.Ops, crdt.Op{
					Table: table,
					Key:   string(k),
					Value: rec.Value,
					Clock: rec.Clock,
				})
				if rec.Clock > update.Clock {
					update.Clock = rec.Clock
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		tombs := tx.Bucket(bucketTombstones)
		return tombs.ForEach(func(k, v []byte) error {
			table, key, ok := splitTombstoneKey(k)
			if !ok || len(v) != 8 {
				return nil
			}
			clock := binary.BigEndian.Uint64(v)
			update.Ops = append(update.Ops, crdt.Op{Table: table, Key: key, Delete: true, Clock: clock})
			if clock > update.Clock {
				update.Clock = clock
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to read persisted state: %w", err)
	}
	if update.Empty() {
		return nil
	}
	return s.doc.ApplyUpdate(update, s.origin)
}

// observer writes each committed change set behind the document
func (s *Store) observer(table string) crdt.Observer {
	return func(set crdt.ChangeSet) {
		// Our own hydration already lives in the database
		if origin, ok := set.Origin.(string); ok && origin == s.origin {
			return
		}
		clock := s.doc.Version()
		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(table))
			tombs := tx.Bucket(bucketTombstones)
			for _, change := range set.Changes {
				switch change.Kind {
				case crdt.ChangeDelete:
					if err := b.Delete([]byte(change.Key)); err != nil {
						return err
					}
					var buf [8]byte
					binary.BigEndian.PutUint64(buf[:], clock)
					if err := tombs.Put(tombstoneKey(table, change.Key), buf[:]); err != nil {
						return err
					}
				default:
					data, err := json.Marshal(record{Value: change.New, Clock: clock})
					if err != nil {
						return err
					}
					if err := tombs.Delete(tombstoneKey(table, change.Key)); err != nil {
						return err
					}
					if err := b.Put([]byte(change.Key), data); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Error().Err(err).Str("table", table).Msg("Failed to persist change set")
		}
	}
}

func (s *Store) close() error {
	for _, unobserve := range s.unobserve {
		unobserve()
	}
	return s.db.Close()
}

func tombstoneKey(table, key string) []byte {
	return []byte(table + "\x00" + key)
}

func splitTombstoneKey(k []byte) (table, key string, ok bool) {
	for i, b := range k {
		if b == 0 {
			return string(k[:i]), string(k[i+1:]), true
		}
	}
	return "", "", false
}
