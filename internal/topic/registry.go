package topic

import (
	"context"
	"log"
	"sync"

	"github.com/dsmesh/mesh/internal/dispatch"
	"github.com/dsmesh/mesh/internal/history"
	"github.com/dsmesh/mesh/internal/mesh"
	"github.com/dsmesh/mesh/internal/wire"
)

// Registry is this node's named-topic directory and remote-matching
// state: the topic factory and the matcher combined into one type, since
// a registered topic name and the peers matched against it share the
// same per-topic lock.
//
// Register{Reader,Writer} keep readerNames/writerNames and emit an
// announcement through the owning mesh.Instance.
// HandleTopic{Reader,Writer,s} react to inbound announcements by opening
// a per-key element subscription over the peer's session, idempotently
// per peer; Handle{AttachElements,AnnounceKeys} are the server-side
// half, invoked by the transport when a peer performs the matching
// subscription against this node.
type Registry struct {
	mu          sync.Mutex
	topics      map[string]*topicEntry
	readerNames map[string]struct{}
	writerNames map[string]struct{}

	instance *mesh.Instance

	historyMetrics  *history.Collector
	dispatchMetrics *dispatch.Collector
}

type topicEntry struct {
	topic *Topic

	// writerMatches: peers whose writer this node's reader has attached
	// elements to (we are the consumer).
	writerMatches map[wire.NodeID]struct{}
	// readerMatches: peers whose topic session this node's writer pushes
	// samples to (we are the producer).
	readerMatches map[wire.NodeID]wire.TopicSessionProxy
}

// NewRegistry constructs an empty topic directory wired to instance for
// announcement fan-out and session lookup.
func NewRegistry(instance *mesh.Instance) *Registry {
	r := &Registry{
		topics:      make(map[string]*topicEntry),
		readerNames: make(map[string]struct{}),
		writerNames: make(map[string]struct{}),
		instance:    instance,
	}
	instance.SetOnSessionEstablished(r.onSessionEstablished)
	return r
}

// SetMetrics wires history and dispatch metrics collectors into every topic
// this registry creates from now on (existing topics are not retrofitted).
// Either argument may be nil.
func (r *Registry) SetMetrics(h *history.Collector, d *dispatch.Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.historyMetrics = h
	r.dispatchMetrics = d
}

// onSessionEstablished sends this node's current reader/writer names over
// a session right after it is registered, whether this node dialed out or
// was dialed; the name exchange applies symmetrically regardless of dial
// direction.
func (r *Registry) onSessionEstablished(s *mesh.Session) {
	r.mu.Lock()
	readers := make([]string, 0, len(r.readerNames))
	for name := range r.readerNames {
		readers = append(readers, name)
	}
	writers := make([]string, 0, len(r.writerNames))
	for name := range r.writerNames {
		writers = append(writers, name)
	}
	r.mu.Unlock()

	if len(readers) == 0 && len(writers) == 0 {
		return
	}
	if err := s.Lookup().AnnounceTopics(context.Background(), readers, writers, r.instance.SelfRef()); err != nil {
		log.Println("topic: announce names to", s.Peer(), "failed:", err)
	}
}

func (r *Registry) entryLocked(name string) *topicEntry {
	e, ok := r.topics[name]
	if !ok {
		e = &topicEntry{
			topic:         New(name),
			writerMatches: make(map[wire.NodeID]struct{}),
			readerMatches: make(map[wire.NodeID]wire.TopicSessionProxy),
		}
		e.topic.SetOnPublish(r.fanOutPublish)
		e.topic.SetHistoryMetrics(r.historyMetrics)
		e.topic.SetDispatchMetrics(r.dispatchMetrics)
		r.topics[name] = e
	}
	return e
}

// Topic returns the named topic, creating it empty if this is the first
// time it has been referenced locally.
func (r *Registry) Topic(name string) *Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryLocked(name).topic
}

// RegisterReader creates a local reader for key on the named topic and
// announces the topic name to every known peer. Re-registering the same
// name is idempotent: only the first registration announces.
func (r *Registry) RegisterReader(ctx context.Context, name, key string, cfg wire.ReaderConfig) *Reader {
	t := r.Topic(name)
	reader := t.NewReader(key, cfg)
	r.announceName(ctx, r.readerNames, name, r.instance.AnnounceTopicReader)
	return reader
}

// RegisterWriter creates a local writer for key on the named topic and
// announces the topic name to every known peer.
func (r *Registry) RegisterWriter(ctx context.Context, name, key string, origin wire.NodeID, cfg wire.WriterConfig) *Writer {
	t := r.Topic(name)
	writer := t.NewWriter(key, origin, cfg)
	r.announceName(ctx, r.writerNames, name, r.instance.AnnounceTopicWriter)
	return writer
}

func (r *Registry) announceName(ctx context.Context, names map[string]struct{}, name string, announce func(context.Context, string)) {
	r.mu.Lock()
	_, already := names[name]
	names[name] = struct{}{}
	r.mu.Unlock()
	if already {
		return
	}
	announce(ctx, name)
}

// HandleTopicReader processes an inbound announceTopicReader: peer has a
// reader for name. It re-gossips the announcement to every other session
// (C3, excluding the connection it arrived on) and, if this node writes
// name, matches its writer to the peer's reader.
func (r *Registry) HandleTopicReader(ctx context.Context, name string, peer wire.NodeRef, exclude wire.Connection) {
	r.instance.Forwarder.AnnounceTopicReader(ctx, name, peer, exclude)
	r.matchReader(ctx, name, peer)
}

// HandleTopicWriter processes an inbound announceTopicWriter: peer has a
// writer for name. It re-gossips and, if this node reads name, matches its
// reader to the peer's writer.
func (r *Registry) HandleTopicWriter(ctx context.Context, name string, peer wire.NodeRef, exclude wire.Connection) {
	r.instance.Forwarder.AnnounceTopicWriter(ctx, name, peer, exclude)
	r.matchWriter(ctx, name, peer)
}

// HandleTopics processes a bulk announceTopics, as sent once at session
// establishment.
func (r *Registry) HandleTopics(ctx context.Context, readers, writers []string, peer wire.NodeRef, exclude wire.Connection) {
	r.instance.Forwarder.AnnounceTopics(ctx, readers, writers, peer, exclude)
	for _, name := range readers {
		r.matchReader(ctx, name, peer)
	}
	for _, name := range writers {
		r.matchWriter(ctx, name, peer)
	}
}

// matchWriter attaches this node's local reader (if any) for name to
// peer's writer, opening a wildcard element subscription over peer's
// session. A no-op if this node has no reader for name, peer has no live
// session, or the pair is already matched.
func (r *Registry) matchWriter(ctx context.Context, name string, peer wire.NodeRef) {
	r.mu.Lock()
	_, wantReader := r.readerNames[name]
	if !wantReader {
		r.mu.Unlock()
		return
	}
	entry := r.entryLocked(name)
	if _, matched := entry.writerMatches[peer.ID]; matched {
		r.mu.Unlock()
		return
	}
	entry.writerMatches[peer.ID] = struct{}{}
	matchedCount := len(entry.writerMatches)
	r.mu.Unlock()

	sess, ok := r.instance.SessionFor(ctx, peer)
	if !ok {
		r.unmatchWriter(name, peer.ID)
		return
	}

	ts, err := sess.TopicSession(name, func() (wire.TopicSessionProxy, error) {
		return sess.Proxy().AttachTopic(ctx, name)
	})
	if err != nil {
		log.Println("topic: attach", name, "to", peer.ID, "failed:", err)
		r.unmatchWriter(name, peer.ID)
		return
	}

	// nil keys: this node subscribes any-key to a matched remote writer;
	// exact-key filtering narrows at the application Reader, not at the
	// subscription.
	if err := ts.AttachElements(ctx, nil); err != nil {
		log.Println("topic: attach elements", name, "to", peer.ID, "failed:", err)
		r.unmatchWriter(name, peer.ID)
		return
	}

	entry.topic.SetMatchedWriterCount(matchedCount)
}

func (r *Registry) unmatchWriter(name string, peer wire.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.topics[name]
	if !ok {
		return
	}
	delete(e.writerMatches, peer)
	e.topic.SetMatchedWriterCount(len(e.writerMatches))
}

// matchReader attaches this node's local writer (if any) for name to
// peer's reader: it registers peer as a push target (the same bookkeeping
// Handle AttachElements performs on the receiving end of a peer-initiated
// attach) and sends a best-effort AnnounceKeys courtesy notification of
// the keys this writer currently has.
func (r *Registry) matchReader(ctx context.Context, name string, peer wire.NodeRef) {
	r.mu.Lock()
	_, wantWriter := r.writerNames[name]
	if !wantWriter {
		r.mu.Unlock()
		return
	}
	entry := r.entryLocked(name)
	_, already := entry.readerMatches[peer.ID]
	r.mu.Unlock()
	if already {
		return
	}

	if err := r.registerReaderMatch(ctx, name, peer); err != nil {
		log.Println("topic: match reader", name, peer.ID, "failed:", err)
		return
	}

	sess, ok := r.instance.SessionFor(ctx, peer)
	if !ok {
		return
	}
	ts, err := sess.TopicSession(name, func() (wire.TopicSessionProxy, error) {
		return sess.Proxy().AttachTopic(ctx, name)
	})
	if err != nil {
		return
	}
	if err := ts.AnnounceKeys(ctx, entry.topic.Keys()); err != nil {
		log.Println("topic: announce keys", name, "to", peer.ID, "failed:", err)
	}
}

// registerReaderMatch records peer as a push target for name's local
// writer and opens (or reuses) the topic session to reach it. This is the
// shared tail of matchReader (triggered by an inbound announcement) and
// HandleAttachElements (triggered by peer's own matchWriter attaching to
// us directly); both converge on this node treating peer as a matched
// reader.
func (r *Registry) registerReaderMatch(ctx context.Context, name string, ref wire.NodeRef) error {
	peer := ref.ID
	sess, ok := r.instance.SessionFor(ctx, ref)
	if !ok {
		return wire.ErrPeerUnknown
	}
	ts, err := sess.TopicSession(name, func() (wire.TopicSessionProxy, error) {
		return sess.Proxy().AttachTopic(ctx, name)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	entry := r.entryLocked(name)
	entry.readerMatches[peer] = ts
	matchedCount := len(entry.readerMatches)
	backlog := entry.topic.ReplaySnapshot()
	r.mu.Unlock()
	entry.topic.SetMatchedReaderCount(matchedCount)

	for key, samples := range backlog {
		if err := ts.PushHistory(ctx, key, samples); err != nil {
			log.Println("topic: push history", name, key, "to", peer, "failed:", err)
		}
	}
	return nil
}

// HandleAttachElements is the server-side half of matchWriter: it runs
// when peer calls AttachElements against this node's topic session for
// name, i.e. peer has decided to subscribe to this node's writer. keys is
// accepted for future exact-key narrowing but ignored in this module's
// any-key subscription model (see matchWriter). peer may name a relayed
// ref, in which case pushes back to it route through the relay.
func (r *Registry) HandleAttachElements(ctx context.Context, name string, peer wire.NodeRef, keys []string) error {
	return r.registerReaderMatch(ctx, name, peer)
}

// HandleAnnounceKeys is the server-side half of matchReader: peer tells
// this node what keys its writer currently has. Reader subscriptions
// here are any-key, so no action is required beyond the log line; an
// exact-key implementation would use this to decide which keys to
// attach.
func (r *Registry) HandleAnnounceKeys(name string, peer wire.NodeID, keys []string) {
	log.Println("topic: peer", peer, "announced", len(keys), "keys for", name)
}

// fanOutPublish is installed as every topic's onPublish hook: it pushes a
// freshly published sample to every peer matched as a reader of this
// topic. A peer whose push fails (its session dropped) is unmatched so a
// later re-announcement can re-attach it.
func (r *Registry) fanOutPublish(name, key string, s wire.Sample) {
	r.mu.Lock()
	e, ok := r.topics[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	targets := make(map[wire.NodeID]wire.TopicSessionProxy, len(e.readerMatches))
	for peer, ts := range e.readerMatches {
		targets[peer] = ts
	}
	r.mu.Unlock()

	for peer, ts := range targets {
		if err := ts.PushSample(context.Background(), key, s); err != nil {
			log.Println("topic: push sample", name, key, "to", peer, "failed:", err)
			r.unmatchReader(name, peer)
		}
	}
}

func (r *Registry) unmatchReader(name string, peer wire.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.topics[name]
	if !ok {
		return
	}
	delete(e.readerMatches, peer)
	e.topic.SetMatchedReaderCount(len(e.readerMatches))
}

// PushSample is called by the transport's inbound topic-session servant
// when a matched remote writer streams a sample for key. It is a no-op
// if name names no local topic.
func (r *Registry) PushSample(name, key string, s wire.Sample) {
	r.mu.Lock()
	e, ok := r.topics[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.topic.IngestRemote(key, s)
}

// PushHistory is called by the transport's inbound topic-session servant
// when a matched remote writer delivers a late-join backlog for key. It
// is a no-op if name names no local topic.
func (r *Registry) PushHistory(name, key string, samples []wire.Sample) {
	r.mu.Lock()
	e, ok := r.topics[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.topic.IngestReplay(key, samples)
}
