package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/botcoord/internal/flow"
	"github.com/hitoshi/botcoord/internal/model"
	"github.com/hitoshi/botcoord/internal/repository"
	"github.com/hitoshi/botcoord/internal/security"
)

// --- モック ---

// memBots はメモリ上のBotRepository。
type memBots struct {
	mu        sync.Mutex
	bots      map[string]*model.Bot
	conflicts int // UpdateTelemetryが先にErrConflictを返す回数
}

func newMemBots(n int) *memBots {
	m := &memBots{bots: make(map[string]*model.Bot)}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("bot-%02d", i)
		m.bots[id] = &model.Bot{ID: id, Enabled: true, FriendUpperLimit: 200}
	}
	return m
}

func (m *memBots) get(id string) model.Bot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bots[id]
}

func (m *memBots) ownedBy(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, b := range m.bots {
		if b.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *memBots) sortedIDs() []string {
	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *memBots) FindByID(ctx context.Context, id string) (*model.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *memBots) ListByIDs(ctx context.Context, ids []string) ([]*model.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bots []*model.Bot
	for _, id := range ids {
		if b, ok := m.bots[id]; ok {
			cp := *b
			bots = append(bots, &cp)
		}
	}
	return bots, nil
}

func (m *memBots) CountEnabled(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.bots {
		if b.Enabled {
			n++
		}
	}
	return n, nil
}

func (m *memBots) Allocate(ctx context.Context, sessionID string, liveSessionIDs []string, count int) ([]*model.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make(map[string]bool, len(liveSessionIDs))
	for _, id := range liveSessionIDs {
		live[id] = true
	}
	var allocated []*model.Bot
	for _, id := range m.sortedIDs() {
		if len(allocated) == count {
			break
		}
		b := m.bots[id]
		if !b.Enabled || (b.SessionID != "" && live[b.SessionID]) {
			continue
		}
		b.SessionID = sessionID
		cp := *b
		allocated = append(allocated, &cp)
	}
	return allocated, nil
}

func (m *memBots) Reassign(ctx context.Context, botIDs []string, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range botIDs {
		if b, ok := m.bots[id]; ok {
			b.SessionID = sessionID
		}
	}
	return nil
}

func (m *memBots) ReleaseSession(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, b := range m.bots {
		if b.SessionID == sessionID {
			b.SessionID = ""
			n++
		}
	}
	return n, nil
}

func (m *memBots) ResetAllSessions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, b := range m.bots {
		if b.SessionID != "" {
			b.SessionID = ""
			n++
		}
	}
	return n, nil
}

func (m *memBots) UpdateTelemetry(ctx context.Context, bot *model.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		m.bots[bot.ID].RowVersion++
		return repository.ErrConflict
	}
	stored, ok := m.bots[bot.ID]
	if !ok || stored.RowVersion != bot.RowVersion {
		return repository.ErrConflict
	}
	bot.RowVersion++
	cp := *bot
	cp.SessionID = stored.SessionID
	m.bots[bot.ID] = &cp
	return nil
}

var _ repository.BotRepository = (*memBots)(nil)

type mockUsers struct {
	findBySteamIDFn     func(ctx context.Context, steamID string) (*model.User, error)
	existsFn            func(ctx context.Context, steamID, botID string) (bool, error)
	rebindFn            func(ctx context.Context, user *model.User, botID string) error
	updateStatusFn      func(ctx context.Context, user *model.User, status model.StatusClaim) error
	updateProfileNameFn func(ctx context.Context, user *model.User, name string) error
}

func (m *mockUsers) FindBySteamID(ctx context.Context, steamID string) (*model.User, error) {
	if m.findBySteamIDFn != nil {
		return m.findBySteamIDFn(ctx, steamID)
	}
	return nil, nil
}
func (m *mockUsers) ExistsBySteamIDAndBot(ctx context.Context, steamID, botID string) (bool, error) {
	if m.existsFn != nil {
		return m.existsFn(ctx, steamID, botID)
	}
	return false, nil
}
func (m *mockUsers) Rebind(ctx context.Context, user *model.User, botID string) error {
	if m.rebindFn != nil {
		return m.rebindFn(ctx, user, botID)
	}
	return nil
}
func (m *mockUsers) UpdateStatus(ctx context.Context, user *model.User, status model.StatusClaim) error {
	if m.updateStatusFn != nil {
		return m.updateStatusFn(ctx, user, status)
	}
	return nil
}
func (m *mockUsers) UpdateProfileName(ctx context.Context, user *model.User, name string) error {
	if m.updateProfileNameFn != nil {
		return m.updateProfileNameFn(ctx, user, name)
	}
	return nil
}
func (m *mockUsers) ApplyCouponEvent(ctx context.Context, userID string, event model.CouponEvent, delta int, description string) (int, error) {
	return 0, nil
}

type mockBindingTokens struct {
	listPendingFn func(ctx context.Context, botID string) ([]string, error)
	claimFn       func(ctx context.Context, code, botID, steamID string) (*model.BindingToken, error)
	deleteFn      func(ctx context.Context, steamID, botID string) (int64, error)
}

func (m *mockBindingTokens) ListPendingBrowserConnections(ctx context.Context, botID string) ([]string, error) {
	if m.listPendingFn != nil {
		return m.listPendingFn(ctx, botID)
	}
	return nil, nil
}
func (m *mockBindingTokens) Claim(ctx context.Context, code, botID, steamID string) (*model.BindingToken, error) {
	if m.claimFn != nil {
		return m.claimFn(ctx, code, botID, steamID)
	}
	return nil, nil
}
func (m *mockBindingTokens) DeleteBySteamIDAndBot(ctx context.Context, steamID, botID string) (int64, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, steamID, botID)
	}
	return 0, nil
}

type mockLoginTokens struct {
	claimFn func(ctx context.Context, code, steamID string) (*model.LoginToken, error)
}

func (m *mockLoginTokens) Claim(ctx context.Context, code, steamID string) (*model.LoginToken, error) {
	if m.claimFn != nil {
		return m.claimFn(ctx, code, steamID)
	}
	return nil, nil
}

type publishedAction struct {
	botID  string
	action model.DelayedAction
	delay  time.Duration
}

type mockPublisher struct {
	mu        sync.Mutex
	published []publishedAction
	ctxErrs   []error
}

func (m *mockPublisher) PublishDelayed(ctx context.Context, botID string, action model.DelayedAction, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		m.ctxErrs = append(m.ctxErrs, err)
		return err
	}
	m.published = append(m.published, publishedAction{botID: botID, action: action, delay: delay})
	return nil
}

type notification struct {
	event       string
	connIDs     []string
	profileName string
	avatarHash  string
}

type mockNotifier struct {
	mu            sync.Mutex
	notifications []notification
}

func (m *mockNotifier) record(n notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}
func (m *mockNotifier) NotifySteamFriendAdded(ctx context.Context, connectionIDs []string) error {
	return m.record(notification{event: "OnSteamFriendAdded", connIDs: connectionIDs})
}
func (m *mockNotifier) NotifyBindingCodeReceived(ctx context.Context, connectionID, profileName, avatarHash string) error {
	return m.record(notification{
		event: "OnBindingCodeReceived", connIDs: []string{connectionID},
		profileName: profileName, avatarHash: avatarHash,
	})
}
func (m *mockNotifier) NotifyLoginCodeReceived(ctx context.Context, connectionID string) error {
	return m.record(notification{event: "OnLoginCodeReceived", connIDs: []string{connectionID}})
}

type mockAsker struct {
	askFn func(ctx context.Context, question, userID string) string
}

func (m *mockAsker) Ask(ctx context.Context, question, userID string) string {
	if m.askFn != nil {
		return m.askFn(ctx, question, userID)
	}
	return ""
}

// sentMessage はfakeChannelが受けた送信1件。
type sentMessage struct {
	method string
	params any
}

// fakeChannel はセッション側を模したChannel。
type fakeChannel struct {
	mu     sync.Mutex
	sent   []sentMessage
	callFn func(method string, params, result any) error
	sendFn func(method string) error
}

func (f *fakeChannel) Send(ctx context.Context, method string, params any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{method: method, params: params})
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(method)
	}
	return nil
}

func (f *fakeChannel) Call(ctx context.Context, method string, params any, result any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{method: method, params: params})
	fn := f.callFn
	f.mu.Unlock()
	if fn != nil {
		return fn(method, params, result)
	}
	return nil
}

func (f *fakeChannel) byMethod(method string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, s := range f.sent {
		if s.method == method {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeChannel) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		if s.method != MethodGetAllocatedBots {
			out = append(out, s.method)
		}
	}
	return out
}

func (f *fakeChannel) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// chatMessages は送信されたチャットメッセージの本文を返す。
func (f *fakeChannel) chatMessages() []chatParams {
	var out []chatParams
	for _, s := range f.byMethod(MethodSendChatMessage) {
		out = append(out, s.params.(chatParams))
	}
	return out
}

// --- テストヘルパー ---

type fixture struct {
	c         *Coordinator
	bots      *memBots
	users     *mockUsers
	bindings  *mockBindingTokens
	logins    *mockLoginTokens
	publisher *mockPublisher
	notifier  *mockNotifier
	asker     *mockAsker

	waitMu sync.Mutex
	waits  []time.Duration
}

func newFixture(t *testing.T, botCount int) *fixture {
	t.Helper()
	f := &fixture{
		bots:      newMemBots(botCount),
		users:     &mockUsers{},
		bindings:  &mockBindingTokens{},
		logins:    &mockLoginTokens{},
		publisher: &mockPublisher{},
		notifier:  &mockNotifier{},
		asker:     &mockAsker{},
	}
	f.c = New(Deps{
		Bots:          f.bots,
		Users:         f.users,
		BindingTokens: f.bindings,
		LoginTokens:   f.logins,
		Publisher:     f.publisher,
		Notifier:      f.notifier,
		QA:            f.asker,
		Guard:         security.NewEgressGuard(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Pacing:        flow.DefaultPacing(),
	})
	f.c.sleep = func(ctx context.Context, d time.Duration) error {
		f.waitMu.Lock()
		defer f.waitMu.Unlock()
		f.waits = append(f.waits, d)
		return nil
	}
	t.Cleanup(f.c.Shutdown)
	return f
}

// join はセッションを登録し、引き継ぎ処理の完了を待つ。
func (f *fixture) join(t *testing.T, id string) (*Session, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	s, err := f.c.Join(id, ch)
	if err != nil {
		t.Fatalf("Join(%s) error = %v", id, err)
	}
	f.c.wg.Wait()
	return s, ch
}
