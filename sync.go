package suuq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is the reconciliation interval: live delivery has no
// acknowledgement or retransmission guarantee, so the synchronizer re-fetches
// the full history periodically as a correctness backstop.
const DefaultPollInterval = 30 * time.Second

var (
	// ErrNotOpen is returned when an operation requires an open synchronizer.
	ErrNotOpen = errors.New("suuq: conversation not open")
	// ErrAlreadyOpen is returned by Open on an already-open synchronizer.
	ErrAlreadyOpen = errors.New("suuq: conversation already open")
	// ErrEmptyMessage is returned by Send for empty or whitespace-only content.
	ErrEmptyMessage = errors.New("suuq: message content is empty")
)

// SyncConfig configures a ConversationSync.
type SyncConfig struct {
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
	// SelfID stamps the sender of optimistic messages. Defaults to the
	// socket identity when a socket is attached.
	SelfID string
	Logger *zerolog.Logger
}

// liveSource is the slice of Socket the synchronizer depends on. Kept narrow
// so tests can feed scripted events.
type liveSource interface {
	OnMessageCreated(func(Message)) (off func())
	OnStateChange(func(SocketState)) (off func())
	JoinConversation(ctx context.Context, internalID string) error
	Identity() string
}

// ConversationSync produces a single deduplicated, chronologically consistent
// view of one conversation by merging three sources: the initial REST fetch,
// live socket pushes, and periodic reconciliation polls. It is also the sole
// authority over message placement: outbound sends go through it so that
// optimistic entries and their confirmations obey the same merge rules.
//
// Multiple ConversationSync instances may be open concurrently over one
// Socket. All mutations of the message list are serialized under one mutex.
type ConversationSync struct {
	repo         MessageRepository
	live         liveSource
	externalID   string
	pollInterval time.Duration
	selfID       string
	logger       zerolog.Logger

	mu         sync.Mutex
	gen        int // bumped by Open and Close; stale async results check it
	open       bool
	joined     bool
	loading    bool
	err        error
	conv       *Conversation
	messages   []Message
	index      map[string]int
	offLive    []func()
	cancelPoll context.CancelFunc
	pollNow    chan struct{}

	updMu    sync.Mutex
	updID    int
	onUpdate []struct {
		id int
		fn func()
	}
}

// NewConversationSync creates a synchronizer for the conversation addressed
// by externalID. socket may be nil: the synchronizer then runs in poll-only
// mode, which is also the degraded mode when the socket cannot connect.
func NewConversationSync(repo MessageRepository, socket *Socket, externalID string, cfg *SyncConfig) *ConversationSync {
	cs := &ConversationSync{
		repo:         repo,
		externalID:   externalID,
		pollInterval: DefaultPollInterval,
		logger:       zerolog.Nop(),
		index:        make(map[string]int),
		pollNow:      make(chan struct{}, 1),
	}
	if socket != nil {
		cs.live = socket
		cs.selfID = socket.Identity()
	}
	if cfg != nil {
		if cfg.PollInterval > 0 {
			cs.pollInterval = cfg.PollInterval
		}
		if cfg.SelfID != "" {
			cs.selfID = cfg.SelfID
		}
		if cfg.Logger != nil {
			cs.logger = *cfg.Logger
		}
	}
	return cs
}

// ExternalID returns the external conversation reference.
func (cs *ConversationSync) ExternalID() string {
	return cs.externalID
}

// Conversation returns the resolved metadata, or nil before a successful Open.
func (cs *ConversationSync) Conversation() *Conversation {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.conv == nil {
		return nil
	}
	conv := *cs.conv
	return &conv
}

// Joined reports whether a live channel subscription is currently active for
// this conversation. False in poll-only mode and while the socket is down.
func (cs *ConversationSync) Joined() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.joined
}

func (cs *ConversationSync) markJoined(gen int) {
	cs.mu.Lock()
	if cs.gen == gen {
		cs.joined = true
	}
	cs.mu.Unlock()
}

// Loading reports whether the initial fetch is still in flight.
func (cs *ConversationSync) Loading() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.loading
}

// Err returns the error state left by a failed Open, if any.
func (cs *ConversationSync) Err() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.err
}

// Messages returns a snapshot of the merged, ordered message list.
func (cs *ConversationSync) Messages() []Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]Message(nil), cs.messages...)
}

// OnUpdate registers a callback invoked after every change to the observable
// state (message list, loading flag). Returns its unregister func.
func (cs *ConversationSync) OnUpdate(fn func()) (off func()) {
	cs.updMu.Lock()
	cs.updID++
	id := cs.updID
	cs.onUpdate = append(cs.onUpdate, struct {
		id int
		fn func()
	}{id, fn})
	cs.updMu.Unlock()
	return func() {
		cs.updMu.Lock()
		for i, sub := range cs.onUpdate {
			if sub.id == id {
				cs.onUpdate = append(cs.onUpdate[:i:i], cs.onUpdate[i+1:]...)
				break
			}
		}
		cs.updMu.Unlock()
	}
}

func (cs *ConversationSync) notify() {
	cs.updMu.Lock()
	subs := append([]struct {
		id int
		fn func()
	}(nil), cs.onUpdate...)
	cs.updMu.Unlock()
	for _, sub := range subs {
		sub.fn()
	}
}

// ============================================================================
// Open / Close
// ============================================================================

// Open resolves the conversation, fetches its history, joins the live channel
// and starts the reconciliation poll. A fetch failure fails Open, leaves the
// error observable via Err, and releases everything acquired so far. Results
// of fetches still in flight when Close is called are discarded.
func (cs *ConversationSync) Open(ctx context.Context) error {
	cs.mu.Lock()
	if cs.open {
		cs.mu.Unlock()
		return ErrAlreadyOpen
	}
	cs.open = true
	cs.loading = true
	cs.err = nil
	cs.gen++
	gen := cs.gen
	cs.mu.Unlock()
	cs.notify()

	conv, err := cs.repo.Details(ctx, cs.externalID)
	if err != nil {
		cs.fail(gen, err)
		return fmt.Errorf("open conversation %q: %w", cs.externalID, err)
	}

	history, err := cs.repo.Messages(ctx, cs.externalID)
	if err != nil {
		cs.fail(gen, err)
		return fmt.Errorf("open conversation %q: %w", cs.externalID, err)
	}

	cs.mu.Lock()
	if cs.gen != gen {
		// Closed while the fetch was in flight; discard.
		cs.mu.Unlock()
		return ErrNotOpen
	}
	cs.conv = conv
	for i := range history {
		if history[i].State == "" {
			history[i].State = DeliveryConfirmed
		}
		cs.merge(history[i])
	}
	cs.loading = false
	internalID := conv.ID

	if cs.live != nil {
		offMsg := cs.live.OnMessageCreated(func(m Message) {
			cs.handleLive(gen, m)
		})
		offState := cs.live.OnStateChange(func(st SocketState) {
			if st == StateConnected {
				cs.handleReconnected(gen, internalID)
				return
			}
			cs.mu.Lock()
			if cs.gen == gen {
				cs.joined = false
			}
			cs.mu.Unlock()
		})
		cs.offLive = []func(){offMsg, offState}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	cs.cancelPoll = cancel
	cs.mu.Unlock()

	if cs.live != nil {
		// Best effort: when the socket is down the reconnect handler rejoins
		// and the poll covers the gap.
		switch err := cs.live.JoinConversation(ctx, internalID); {
		case err == nil:
			cs.markJoined(gen)
		case !errors.Is(err, ErrNotConnected):
			cs.logger.Debug().Err(err).Str("conversation", internalID).Msg("channel join failed")
		}
	}

	go cs.pollLoop(pollCtx, gen)
	cs.notify()
	return nil
}

// Close leaves the live channel, stops the reconciliation poll and discards
// any in-flight fetch results. It is idempotent.
func (cs *ConversationSync) Close() {
	cs.mu.Lock()
	if !cs.open {
		cs.mu.Unlock()
		return
	}
	cs.open = false
	cs.joined = false
	cs.loading = false
	cs.gen++
	cancel := cs.cancelPoll
	cs.cancelPoll = nil
	offs := cs.offLive
	cs.offLive = nil
	cs.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, off := range offs {
		off()
	}
}

// fail records a failed Open and releases partial state.
func (cs *ConversationSync) fail(gen int, err error) {
	cs.mu.Lock()
	if cs.gen != gen {
		cs.mu.Unlock()
		return
	}
	cs.open = false
	cs.loading = false
	cs.err = err
	cs.mu.Unlock()
	cs.notify()
}

// ============================================================================
// Merge
// ============================================================================

// timestampBefore orders RFC3339 server timestamps. Parsing handles mixed
// fractional-second precision; unparseable values fall back to byte order.
func timestampBefore(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.Before(tb)
	}
	return a < b
}

// merge inserts a message into the ordered list unless its identifier is
// already present. Ordering is by server timestamp; equal timestamps keep
// first-arrival order. Must be called with cs.mu held. Reports whether the
// list changed.
func (cs *ConversationSync) merge(m Message) bool {
	if _, ok := cs.index[m.ID]; ok {
		return false
	}
	i := len(cs.messages)
	for i > 0 && timestampBefore(m.CreatedAt, cs.messages[i-1].CreatedAt) {
		i--
	}
	cs.messages = append(cs.messages, Message{})
	copy(cs.messages[i+1:], cs.messages[i:])
	cs.messages[i] = m
	for j := i; j < len(cs.messages); j++ {
		cs.index[cs.messages[j].ID] = j
	}
	return true
}

// remove deletes a message by id. Must be called with cs.mu held.
func (cs *ConversationSync) remove(id string) bool {
	i, ok := cs.index[id]
	if !ok {
		return false
	}
	cs.messages = append(cs.messages[:i], cs.messages[i+1:]...)
	delete(cs.index, id)
	for j := i; j < len(cs.messages); j++ {
		cs.index[cs.messages[j].ID] = j
	}
	return true
}

func (cs *ConversationSync) handleLive(gen int, m Message) {
	cs.mu.Lock()
	if cs.gen != gen || !cs.open {
		cs.mu.Unlock()
		return
	}
	if m.ConversationID != "" && cs.conv != nil &&
		m.ConversationID != cs.conv.ID && m.ConversationID != cs.externalID {
		cs.mu.Unlock()
		return
	}
	if m.State == "" {
		m.State = DeliveryConfirmed
	}
	changed := cs.merge(m)
	cs.mu.Unlock()
	if changed {
		cs.notify()
	}
}

// handleReconnected rejoins the channel after a transport recovery and kicks
// an immediate reconciliation pass for anything missed while down.
func (cs *ConversationSync) handleReconnected(gen int, internalID string) {
	cs.mu.Lock()
	stale := cs.gen != gen || !cs.open
	cs.mu.Unlock()
	if stale {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cs.live.JoinConversation(ctx, internalID); err != nil {
			cs.logger.Debug().Err(err).Str("conversation", internalID).Msg("channel rejoin failed")
			return
		}
		cs.markJoined(gen)
	}()
	select {
	case cs.pollNow <- struct{}{}:
	default:
	}
}

// ============================================================================
// Reconciliation poll
// ============================================================================

func (cs *ConversationSync) pollLoop(ctx context.Context, gen int) {
	ticker := time.NewTicker(cs.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-cs.pollNow:
		}
		cs.reconcile(ctx, gen)
	}
}

// reconcile re-fetches the full history and merges it. Poll errors are soft:
// the next tick tries again.
func (cs *ConversationSync) reconcile(ctx context.Context, gen int) {
	history, err := cs.repo.Messages(ctx, cs.externalID)
	if err != nil {
		if ctx.Err() == nil {
			cs.logger.Debug().Err(err).Str("conversation", cs.externalID).Msg("reconciliation fetch failed")
		}
		return
	}

	cs.mu.Lock()
	if cs.gen != gen || !cs.open {
		cs.mu.Unlock()
		return
	}
	changed := false
	for i := range history {
		if history[i].State == "" {
			history[i].State = DeliveryConfirmed
		}
		if cs.merge(history[i]) {
			changed = true
		}
	}
	cs.mu.Unlock()
	if changed {
		cs.notify()
	}
}

// ============================================================================
// Outbound pipeline
// ============================================================================

// SendText submits a plain text message. See Send.
func (cs *ConversationSync) SendText(ctx context.Context, content string) (*Message, error) {
	return cs.Send(ctx, MessageDraft{Content: content, Kind: KindText})
}

// Send validates and submits a new message with optimistic local visibility:
// a provisional Pending entry appears in the list before the network call
// resolves. On confirmation the provisional entry is replaced by the server
// record under the same merge rules (so a live broadcast of the same message
// cannot duplicate it). On failure the entry transitions to DeliveryFailed
// and stays visible; no automatic retry is performed.
func (cs *ConversationSync) Send(ctx context.Context, draft MessageDraft) (*Message, error) {
	if strings.TrimSpace(draft.Content) == "" {
		return nil, ErrEmptyMessage
	}
	if draft.Kind == "" {
		draft.Kind = KindText
	}

	cs.mu.Lock()
	if !cs.open || cs.conv == nil {
		cs.mu.Unlock()
		return nil, ErrNotOpen
	}
	gen := cs.gen
	provisional := Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: cs.conv.ID,
		SenderID:       cs.selfID,
		Content:        draft.Content,
		Kind:           draft.Kind,
		FileRef:        draft.FileRef,
		State:          DeliveryPending,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	cs.merge(provisional)
	cs.mu.Unlock()
	cs.notify()

	confirmed, err := cs.repo.Post(ctx, cs.externalID, draft)
	if err != nil {
		cs.mu.Lock()
		if cs.gen == gen {
			if i, ok := cs.index[provisional.ID]; ok {
				cs.messages[i].State = DeliveryFailed
			}
		}
		cs.mu.Unlock()
		cs.notify()
		return nil, fmt.Errorf("send message: %w", err)
	}

	cs.mu.Lock()
	if cs.gen == gen {
		cs.remove(provisional.ID)
		if confirmed.State == "" {
			confirmed.State = DeliveryConfirmed
		}
		// No-op when the live channel already delivered the broadcast.
		cs.merge(*confirmed)
	}
	cs.mu.Unlock()
	cs.notify()
	return confirmed, nil
}
