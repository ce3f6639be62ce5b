package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/botcoord/internal/model"
)

func TestSplitCounts(t *testing.T) {
	tests := []struct {
		name           string
		total, n       int
		wantEach       int
		wantDesignated int
	}{
		{"割り切れる", 9, 3, 3, 3},
		{"余りは指定セッション", 10, 3, 3, 4},
		{"セッションより少ない", 2, 3, 0, 2},
		{"単一セッション", 7, 1, 7, 7},
		{"ボットなし", 0, 2, 0, 0},
		{"セッションなし", 5, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			each, designated := SplitCounts(tt.total, tt.n)
			if each != tt.wantEach || designated != tt.wantDesignated {
				t.Errorf("SplitCounts(%d, %d) = (%d, %d), want (%d, %d)",
					tt.total, tt.n, each, designated, tt.wantEach, tt.wantDesignated)
			}
			if tt.n > 0 && each*(tt.n-1)+designated != tt.total {
				t.Errorf("sum = %d, want %d", each*(tt.n-1)+designated, tt.total)
			}
		})
	}
}

func reallocateCounts(ch *fakeChannel) []int {
	var counts []int
	for _, s := range ch.byMethod(MethodRequestReallocateBots) {
		counts = append(counts, s.params.(countParams).Count)
	}
	return counts
}

func TestRequestBots_CallerReceivesRemainder(t *testing.T) {
	f := newFixture(t, 10)
	_, chA := f.join(t, "a")
	_, chB := f.join(t, "b")
	_, chC := f.join(t, "c")

	if err := f.c.RequestBots(context.Background(), "b"); err != nil {
		t.Fatalf("RequestBots() error = %v", err)
	}

	for _, tc := range []struct {
		name string
		ch   *fakeChannel
		want int
	}{
		{"a", chA, 3}, {"b", chB, 4}, {"c", chC, 3},
	} {
		got := reallocateCounts(tc.ch)
		if len(got) != 1 || got[0] != tc.want {
			t.Errorf("session %s counts = %v, want [%d]", tc.name, got, tc.want)
		}
	}
}

func TestRequestBots_UnknownSession(t *testing.T) {
	f := newFixture(t, 3)

	err := f.c.RequestBots(context.Background(), "ghost")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSessionNotLive {
		t.Errorf("RequestBots() error = %v, want SESSION_NOT_LIVE", err)
	}
}

func TestAllocateBots_SkipsBotsOwnedByLiveSessions(t *testing.T) {
	f := newFixture(t, 5)
	f.join(t, "a")
	f.join(t, "b")
	ctx := context.Background()

	got, err := f.c.AllocateBots(ctx, "a", 3)
	if err != nil || len(got) != 3 {
		t.Fatalf("AllocateBots(a, 3) = %d bots, err %v; want 3", len(got), err)
	}
	got, err = f.c.AllocateBots(ctx, "b", 3)
	if err != nil || len(got) != 2 {
		t.Fatalf("AllocateBots(b, 3) = %d bots, err %v; want 2", len(got), err)
	}
	got, err = f.c.AllocateBots(ctx, "a", 1)
	if err != nil || len(got) != 0 {
		t.Fatalf("AllocateBots(a, 1) = %d bots, err %v; want 0", len(got), err)
	}

	// bの離脱後はbのボットが再び割り当て可能になる
	f.c.Leave("b")
	got, err = f.c.AllocateBots(ctx, "a", 5)
	if err != nil || len(got) != 2 {
		t.Fatalf("AllocateBots(a, 5) after leave = %d bots, err %v; want 2", len(got), err)
	}
	if owned := f.bots.ownedBy("a"); len(owned) != 5 {
		t.Errorf("bots owned by a = %v, want 5", owned)
	}
}

func TestAllocateBots_RejectsDepartedSession(t *testing.T) {
	f := newFixture(t, 5)
	f.join(t, "a")
	f.c.Leave("a")

	_, err := f.c.AllocateBots(context.Background(), "a", 2)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSessionNotLive {
		t.Fatalf("AllocateBots() error = %v, want SESSION_NOT_LIVE", err)
	}
	if owned := f.bots.ownedBy("a"); len(owned) != 0 {
		t.Errorf("departed session owns %v", owned)
	}
}

func TestAllocateBots_CountValidation(t *testing.T) {
	f := newFixture(t, 5)
	f.join(t, "a")
	ctx := context.Background()

	got, err := f.c.AllocateBots(ctx, "a", 0)
	if err != nil {
		t.Fatalf("AllocateBots(0) error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("AllocateBots(0) = %v, want empty slice", got)
	}

	_, err = f.c.AllocateBots(ctx, "a", -1)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidParams {
		t.Errorf("AllocateBots(-1) error = %v, want INVALID_PARAMS", err)
	}
}

func TestAllocateBots_ConcurrentNoDoubleAssignment(t *testing.T) {
	f := newFixture(t, 20)
	sessions := []string{"s1", "s2", "s3", "s4"}
	for _, id := range sessions {
		f.join(t, id)
	}

	var (
		mu       sync.Mutex
		assigned = make(map[string]string)
		dup      []string
		wg       sync.WaitGroup
	)
	for _, id := range sessions {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(sessionID string) {
				defer wg.Done()
				bots, err := f.c.AllocateBots(context.Background(), sessionID, 3)
				if err != nil {
					t.Errorf("AllocateBots(%s) error = %v", sessionID, err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, b := range bots {
					if prev, ok := assigned[b.ID]; ok {
						dup = append(dup, fmt.Sprintf("%s: %s and %s", b.ID, prev, sessionID))
					}
					assigned[b.ID] = sessionID
				}
			}(id)
		}
	}
	wg.Wait()

	if len(dup) > 0 {
		t.Errorf("bots assigned twice: %v", dup)
	}
	if len(assigned) != 20 {
		t.Errorf("assigned %d bots, want 20", len(assigned))
	}
}

func TestLeave_RebalancesToLowestSessionID(t *testing.T) {
	f := newFixture(t, 11)
	_, ch1 := f.join(t, "s1")
	f.join(t, "s2")
	_, ch3 := f.join(t, "s3")
	ctx := context.Background()

	if _, err := f.c.AllocateBots(ctx, "s2", 4); err != nil {
		t.Fatalf("AllocateBots() error = %v", err)
	}
	ch1.reset()
	ch3.reset()

	f.c.Leave("s2")

	if owned := f.bots.ownedBy("s2"); len(owned) != 0 {
		t.Errorf("departed session still owns %v", owned)
	}
	if got := reallocateCounts(ch1); len(got) != 1 || got[0] != 6 {
		t.Errorf("s1 counts = %v, want [6]", got)
	}
	if got := reallocateCounts(ch3); len(got) != 1 || got[0] != 5 {
		t.Errorf("s3 counts = %v, want [5]", got)
	}
	if f.c.Registry().Contains("s2") {
		t.Error("s2 should be unregistered")
	}
}

func TestLeave_LastSessionDoesNotRebalance(t *testing.T) {
	f := newFixture(t, 3)
	_, ch := f.join(t, "only")
	ch.reset()

	f.c.Leave("only")
	f.c.Leave("only")

	if len(ch.methods()) != 0 {
		t.Errorf("unexpected calls after leave: %v", ch.methods())
	}
}

func TestJoin_ResumesBotsFromPreviousOwner(t *testing.T) {
	f := newFixture(t, 3)
	_, chOld := f.join(t, "old")
	if _, err := f.c.AllocateBots(context.Background(), "old", 2); err != nil {
		t.Fatalf("AllocateBots() error = %v", err)
	}

	chNew := &fakeChannel{callFn: func(method string, params, result any) error {
		if method == MethodGetAllocatedBots {
			*result.(*[]string) = []string{"bot-01"}
		}
		return nil
	}}
	if _, err := f.c.Join("new", chNew); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	f.c.wg.Wait()

	stops := chOld.byMethod(MethodStopBot)
	if len(stops) != 1 || stops[0].params.(botParams).BotID != "bot-01" {
		t.Errorf("StopBot calls to old owner = %v", stops)
	}
	if got := f.bots.get("bot-01").SessionID; got != "new" {
		t.Errorf("bot-01 session = %s, want new", got)
	}
	if got := f.bots.get("bot-02").SessionID; got != "old" {
		t.Errorf("bot-02 session = %s, want old", got)
	}
}

func TestJoin_StopBotDoesNotHoldAllocationLock(t *testing.T) {
	f := newFixture(t, 3)
	_, chOld := f.join(t, "old")
	if _, err := f.c.AllocateBots(context.Background(), "old", 2); err != nil {
		t.Fatalf("AllocateBots() error = %v", err)
	}
	f.join(t, "other")

	stopping := make(chan struct{})
	release := make(chan struct{})
	chOld.sendFn = func(method string) error {
		if method == MethodStopBot {
			close(stopping)
			<-release
		}
		return nil
	}

	chNew := &fakeChannel{callFn: func(method string, params, result any) error {
		if method == MethodGetAllocatedBots {
			*result.(*[]string) = []string{"bot-01"}
		}
		return nil
	}}
	if _, err := f.c.Join("new", chNew); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	select {
	case <-stopping:
	case <-time.After(5 * time.Second):
		t.Fatal("StopBot was not sent")
	}

	// 旧担当への書き込みが詰まっていても他セッションの割り当ては進む
	done := make(chan error, 1)
	go func() {
		_, err := f.c.AllocateBots(context.Background(), "other", 1)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("AllocateBots() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("AllocateBots blocked behind a pending StopBot")
	}

	close(release)
	f.c.wg.Wait()

	if got := f.bots.get("bot-01").SessionID; got != "new" {
		t.Errorf("bot-01 session = %s, want new", got)
	}
}

func TestStart_ResetsPersistedAssignments(t *testing.T) {
	f := newFixture(t, 2)
	f.bots.bots["bot-01"].SessionID = "stale"

	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := f.bots.get("bot-01").SessionID; got != "" {
		t.Errorf("bot-01 session = %q, want empty", got)
	}
}
