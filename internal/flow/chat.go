package flow

import (
	"regexp"
	"strings"

	"github.com/hitoshi/botcoord/internal/model"
)

// IntentKind はチャットメッセージの解釈。
type IntentKind int

const (
	// IntentBindingCode は非会員からの紐付けコード。
	IntentBindingCode IntentKind = iota + 1
	// IntentLoginCode は会員からの4桁のログインコード。
	IntentLoginCode
	// IntentQuestion は会員からのそれ以外の発言。
	IntentQuestion
)

// Intent はメッセージの解釈結果。
type Intent struct {
	Kind IntentKind
	Code string // BindingCode, LoginCode
	Text string // Question
}

var loginCodePattern = regexp.MustCompile(`^\s*(\d{4})\s*$`)

// ClassifyChat は送信者の会員状態と本文からメッセージを解釈する。
func ClassifyChat(user *model.User, text string) Intent {
	if user == nil {
		return Intent{Kind: IntentBindingCode, Code: strings.TrimSpace(text)}
	}
	if m := loginCodePattern.FindStringSubmatch(text); m != nil {
		return Intent{Kind: IntentLoginCode, Code: m[1]}
	}
	return Intent{Kind: IntentQuestion, Text: text}
}

// OnBindingCode は紐付けコードの確定結果に対するアクションを返す。
// claimedがnilの場合は一致する未確定コードがなかったことを意味する。
func OnBindingCode(p Pacing, claimed *model.BindingToken) []Action {
	if claimed == nil {
		return []Action{say(MsgUnrecognizedInput)}
	}
	return []Action{
		{Kind: ActionNotifyBindingCode, ConnectionID: claimed.BrowserConnectionID},
		say(MsgBindingSucceeded),
		wait(p.PrivacyHint),
		say(MsgPrivacyHint),
	}
}

// OnLoginCode はログインコードの確定結果に対するアクションを返す。
func OnLoginCode(claimed *model.LoginToken) []Action {
	if claimed == nil {
		return []Action{say(MsgUnrecognizedInput)}
	}
	return []Action{
		{Kind: ActionNotifyLoginCode, ConnectionID: claimed.BrowserConnectionID},
		say(MsgWelcomeBack),
	}
}

// OnQuestion は会員の自由発言に対するアクションを返す。
func OnQuestion(text string) []Action {
	return []Action{{Kind: ActionAskQA, Message: text}}
}
