package qa

import "strings"

// 回答の種別コード。
const (
	CodeText   = 100000
	CodeLink   = 200000
	CodeNews   = 302000
	CodeTrain  = 305000
	CodeFlight = 306000
	CodeRecipe = 308000
)

// Response はQ&A APIのレスポンス。
type Response struct {
	Code int        `json:"code"`
	Text string     `json:"text"`
	URL  string     `json:"url"`
	List []ListItem `json:"list"`
}

// ListItem はニュース・列車・航空便・レシピの一覧要素。種別ごとに使うフィールドが異なる。
type ListItem struct {
	Article   string `json:"article"`
	DetailURL string `json:"detailurl"`
	TrainNum  string `json:"trainnum"`
	Start     string `json:"start"`
	Terminal  string `json:"terminal"`
	StartTime string `json:"starttime"`
	EndTime   string `json:"endtime"`
	Flight    string `json:"flight"`
	Name      string `json:"name"`
	Info      string `json:"info"`
}

// IsError はAPIキー不正などのエラーコード（40000番台）かを返す。
func (r *Response) IsError() bool {
	return r.Code >= 40000 && r.Code < 50000
}

// FormatAnswer はレスポンスを種別コードに応じてチャット用テキストに整形する。
// 一覧系は見出し行の後に要素ごとのブロックを空行区切りで続ける。
func FormatAnswer(r *Response) string {
	switch r.Code {
	case CodeLink:
		return r.Text + "\n" + r.URL
	case CodeNews:
		return formatList(r, func(item ListItem) string {
			return item.Article + "\n" + item.DetailURL
		})
	case CodeTrain:
		return formatList(r, func(item ListItem) string {
			return item.TrainNum + "\n" +
				item.Start + " --> " + item.Terminal + "\n" +
				item.StartTime + " --> " + item.EndTime
		})
	case CodeFlight:
		return formatList(r, func(item ListItem) string {
			return item.Flight + "\n" + item.StartTime + " --> " + item.EndTime
		})
	case CodeRecipe:
		return formatList(r, func(item ListItem) string {
			return item.Name + "\n" + item.Info + "\n" + item.DetailURL
		})
	default:
		return r.Text
	}
}

func formatList(r *Response, block func(ListItem) string) string {
	blocks := make([]string, 0, len(r.List))
	for _, item := range r.List {
		blocks = append(blocks, block(item))
	}
	return r.Text + "\n" + strings.Join(blocks, "\n\n")
}
