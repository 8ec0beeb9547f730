package sync

import (
	"fmt"
	"sync"

	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/provider"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config declares a sync provider
type Config struct {
	// PeerID identifies this replica in transaction origins. Defaults to
	// a generated UUID.
	PeerID string

	// Buffer is the outbound update channel capacity. Defaults to 64.
	Buffer int
}

// Peer exchanges document updates with a remote replica. Outbound local
// changes surface on Updates for a transport to drain; inbound updates
// are applied through Apply with this peer's id as the transaction
// origin, so downstream observers can tell remote changes from local
// ones. The wire framing itself is a transport concern and lives outside
// this package.
type Peer struct {
	peerID string
	doc    *crdt.Doc
	logger zerolog.Logger

	mu       sync.Mutex
	lastSent uint64
	closed   bool

	out       chan crdt.Update
	unobserve []func()
}

// Provide builds the sync provider factory
func Provide(cfg Config) provider.Factory {
	return func(ctx provider.Context) (*provider.Exports, error) {
		p, err := newPeer(cfg, ctx)
		if err != nil {
			return nil, err
		}
		return &provider.Exports{
			Values:  map[string]any{"sync": p},
			Destroy: p.close,
		}, nil
	}
}

func newPeer(cfg Config, ctx provider.Context) (*Peer, error) {
	peerID := cfg.PeerID
	if peerID == "" {
		peerID = uuid.New().String()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}

	p := &Peer{
		peerID: "sync:" + peerID,
		doc:    ctx.Doc,
		logger: ctx.Logger.With().Str("component", "sync").Str("peer_id", peerID).Logger(),
		out:    make(chan crdt.Update, buffer),
	}

	for _, table := range ctx.Schema.Tables() {
		p.unobserve = append(p.unobserve, ctx.Doc.Observe(table, p.observer()))
	}
	return p, nil
}

// PeerID returns the origin marker this peer applies inbound updates with
func (p *Peer) PeerID() string { return p.peerID }

// Updates is the outbound stream of incremental updates. The channel is
// closed on destroy.
func (p *Peer) Updates() <-chan crdt.Update { return p.out }

// Snapshot encodes the full document state for initial synchronization
// of a newly connected replica.
func (p *Peer) Snapshot() crdt.Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.doc.EncodeState()
	if u.Clock > p.lastSent {
		p.lastSent = u.Clock
	}
	return u
}

// Apply merges an inbound update into the document with this peer's
// origin marker.
func (p *Peer) Apply(u crdt.Update) error {
	if u.GUID != p.doc.GUID() {
		return fmt.Errorf("update for document %q cannot apply to %q", u.GUID, p.doc.GUID())
	}
	return p.doc.ApplyUpdate(u, p.peerID)
}

// observer forwards committed changes to the outbound stream. Changes
// that this peer itself applied are skipped: the remote replica already
// has them.
func (p *Peer) observer() crdt.Observer {
	return func(set crdt.ChangeSet) {
		if origin, ok := set.Origin.(string); ok && origin == p.peerID {
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		update := p.doc.EncodeUpdatesSince(p.lastSent)
		if update.Empty() {
			p.mu.Unlock()
			return
		}

		select {
		case p.out <- update:
			p.lastSent = update.Clock
		default:
			// Outbound buffer full: leave lastSent alone so the next
			// change re-encodes everything still unsent.
			p.logger.Warn().Msg("Outbound sync buffer full, deferring update")
		}
		p.mu.Unlock()
	}
}

// Connect pumps two in-process peers into each other: snapshots are
// exchanged first, then incremental updates flow until either peer is
// destroyed. Returns a disconnect function.
func Connect(a, b *Peer) (func(), error) {
	if err := a.Apply(b.Snapshot()); err != nil {
		return nil, err
	}
	if err := b.Apply(a.Snapshot()); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	pump := func(from, to *Peer) {
		defer wg.Done()
		for {
			select {
			case u, ok := <-from.Updates():
				if !ok {
					return
				}
				if err := to.Apply(u); err != nil {
					to.logger.Error().Err(err).Msg("Failed to apply peer update")
				}
			case <-done:
				return
			}
		}
	}
	wg.Add(2)
	go pump(a, b)
	go pump(b, a)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}, nil
}

func (p *Peer) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, unobserve := range p.unobserve {
		unobserve()
	}
	close(p.out)
	return nil
}
