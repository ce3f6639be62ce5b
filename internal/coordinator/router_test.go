package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hitoshi/botcoord/internal/model"
)

func apiErrorCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func TestRouter_Dispatch(t *testing.T) {
	f := newFixture(t, 3)
	s, _ := f.join(t, "s1")
	h := f.c.Handler(s)
	ctx := context.Background()

	result, err := h.HandleCall(ctx, MethodAllocateBots, json.RawMessage(`{"count":2}`))
	if err != nil {
		t.Fatalf("AllocateBots error = %v", err)
	}
	bots, ok := result.([]*model.Bot)
	if !ok || len(bots) != 2 {
		t.Fatalf("AllocateBots result = %#v", result)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if decoded[0]["id"] != "bot-01" {
		t.Errorf("encoded bot = %v", decoded[0])
	}
	if _, leaked := decoded[0]["SessionID"]; leaked {
		t.Error("session id must not be sent to sessions")
	}

	result, err = h.HandleCall(ctx, MethodPing, nil)
	if err != nil || result != "pong" {
		t.Errorf("Ping = %v, %v", result, err)
	}
}

func TestRouter_Errors(t *testing.T) {
	f := newFixture(t, 1)
	s, _ := f.join(t, "s1")
	h := f.c.Handler(s)
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		params string
		want   string
	}{
		{"未知のメソッド", "Teleport", `{}`, model.ErrCodeUnknownMethod},
		{"JSONが不正", MethodAllocateBots, `{"count":"two"}`, model.ErrCodeInvalidParams},
		{"パラメータなし", MethodOnBotNewFriendRequest, ``, model.ErrCodeInvalidParams},
		{"botIdなし", MethodIsKeylolUser, `{"steamId":"1"}`, model.ErrCodeInvalidParams},
		{"steamIdなし", MethodUpdateUser, `{"profileName":"x"}`, model.ErrCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.HandleCall(ctx, tt.method, json.RawMessage(tt.params))
			if got := apiErrorCode(err); got != tt.want {
				t.Errorf("error = %v, want code %s", err, tt.want)
			}
		})
	}
}

func TestRouter_HidesInternalErrors(t *testing.T) {
	f := newFixture(t, 1)
	s, _ := f.join(t, "s1")
	f.users.existsFn = func(ctx context.Context, steamID, botID string) (bool, error) {
		return false, errors.New("pq: connection refused")
	}

	_, err := f.c.Handler(s).HandleCall(context.Background(), MethodIsKeylolUser,
		json.RawMessage(`{"steamId":"1","botId":"bot-01"}`))
	if got := apiErrorCode(err); got != model.ErrCodeInternal {
		t.Fatalf("error = %v, want INTERNAL", err)
	}
	if err.Error() == "pq: connection refused" {
		t.Error("internal error detail leaked")
	}
}

func TestRouter_IsKeylolUser(t *testing.T) {
	f := newFixture(t, 1)
	s, _ := f.join(t, "s1")
	f.users.existsFn = func(ctx context.Context, steamID, botID string) (bool, error) {
		return steamID == "1" && botID == "bot-01", nil
	}

	result, err := f.c.Handler(s).HandleCall(context.Background(), MethodIsKeylolUser,
		json.RawMessage(`{"steamId":"1","botId":"bot-01"}`))
	if err != nil || result != true {
		t.Errorf("IsKeylolUser = %v, %v; want true", result, err)
	}
}

func TestRouter_UpdateBots(t *testing.T) {
	f := newFixture(t, 2)
	s, _ := f.join(t, "s1")
	f.bots.conflicts = 1

	params := `{"bots":[{"id":"bot-01","friendCount":42,"online":true},{"id":"bot-99","online":true},{"id":"bot-02"}]}`
	if _, err := f.c.Handler(s).HandleCall(context.Background(), MethodUpdateBots, json.RawMessage(params)); err != nil {
		t.Fatalf("UpdateBots error = %v", err)
	}

	got := f.bots.get("bot-01")
	if got.FriendCount != 42 || !got.Online {
		t.Errorf("bot-01 = %+v", got)
	}
	if got := f.bots.get("bot-02"); got.RowVersion != 0 {
		t.Errorf("empty update should not touch bot-02: %+v", got)
	}
}

func TestUpdateUser(t *testing.T) {
	f := newFixture(t, 1)
	f.users.findBySteamIDFn = func(ctx context.Context, steamID string) (*model.User, error) {
		return &model.User{ID: "u1", SteamID: steamID, SteamProfileName: "old"}, nil
	}
	var saved []string
	f.users.updateProfileNameFn = func(ctx context.Context, u *model.User, name string) error {
		saved = append(saved, name)
		return nil
	}
	ctx := context.Background()

	name := "new"
	if err := f.c.UpdateUser(ctx, "1", &name); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	same := "old"
	if err := f.c.UpdateUser(ctx, "1", &same); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if err := f.c.UpdateUser(ctx, "1", nil); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}

	if len(saved) != 1 || saved[0] != "new" {
		t.Errorf("saved = %v, want [new]", saved)
	}
}

func TestFetchURL(t *testing.T) {
	f := newFixture(t, 2)
	_, owner := f.join(t, "owner")
	if _, err := f.c.AllocateBots(context.Background(), "owner", 1); err != nil {
		t.Fatalf("AllocateBots() error = %v", err)
	}
	owner.callFn = func(method string, params, result any) error {
		if method == MethodFetchURL {
			*result.(*string) = "<html>ok</html>"
		}
		return nil
	}
	ctx := context.Background()

	body, err := f.c.FetchURL(ctx, "bot-01", "https://store.steampowered.com/app/10")
	if err != nil || body != "<html>ok</html>" {
		t.Errorf("FetchURL() = %q, %v", body, err)
	}

	tests := []struct {
		name  string
		botID string
		url   string
		want  string
	}{
		{"プライベートIP", "bot-01", "http://10.0.0.1/", model.ErrCodeURLNotAllowed},
		{"メタデータ", "bot-01", "http://169.254.169.254/latest/meta-data", model.ErrCodeURLNotAllowed},
		{"スキーム", "bot-01", "file:///etc/passwd", model.ErrCodeURLNotAllowed},
		{"未割り当て", "bot-02", "https://example.com/", model.ErrCodeBotNotAssigned},
		{"存在しないボット", "bot-99", "https://example.com/", model.ErrCodeBotNotAssigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.c.FetchURL(ctx, tt.botID, tt.url)
			if got := apiErrorCode(err); got != tt.want {
				t.Errorf("FetchURL() error = %v, want %s", err, tt.want)
			}
		})
	}
	if n := len(owner.byMethod(MethodFetchURL)); n != 1 {
		t.Errorf("FetchUrl sent %d times, want 1", n)
	}
}

func TestFetchURL_RetriesThenDegradesToEmpty(t *testing.T) {
	f := newFixture(t, 1)
	_, owner := f.join(t, "owner")
	if _, err := f.c.AllocateBots(context.Background(), "owner", 1); err != nil {
		t.Fatalf("AllocateBots() error = %v", err)
	}
	owner.callFn = func(method string, params, result any) error {
		return errors.New("call timed out")
	}

	body, err := f.c.FetchURL(context.Background(), "bot-01", "https://example.com/")
	if err != nil || body != "" {
		t.Errorf("FetchURL() = %q, %v; want empty result", body, err)
	}
	if n := len(owner.byMethod(MethodFetchURL)); n != fetchAttempts {
		t.Errorf("FetchUrl sent %d times, want %d", n, fetchAttempts)
	}
	if len(f.waits) != fetchAttempts-1 {
		t.Errorf("waits = %v", f.waits)
	}
}
