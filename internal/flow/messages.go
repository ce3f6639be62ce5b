package flow

// ボットからSteamユーザーへ送るチャットメッセージ。
const (
	MsgWelcome           = "欢迎使用当前 Steam 账号加入其乐，请输入你在网页上获取的 8 位绑定验证码。"
	MsgSessionTimedOut   = "抱歉，你的会话因超时被强制结束，机器人已将你从好友列表中暂时移除。若要加入其乐，请重新按照网页指示注册账号。"
	MsgRebound           = "你已成功与其乐机器人再次绑定，请务必不要将其乐机器人从好友列表中移除。"
	MsgDuplicateBinding  = "你已绑定另一其乐机器人，当前机器人已拒绝你的好友请求。如有需要，你可以在其乐设置表单中找到你绑定的机器人帐号。"
	MsgUnrecognizedInput = "你的输入无法被识别，请确认登录验证码的长度和格式。如果需要帮助，请与其乐职员取得联系。"
	MsgBindingSucceeded  = "绑定成功，欢迎加入其乐！今后你可以向机器人发送对话快速登录社区，请勿将机器人从好友列表移除。"
	MsgPrivacyHint       = "若希望在其乐上获得符合游戏兴趣的据点推荐，请避免将 Steam 资料隐私设置为「仅自己可见」。"
	MsgWelcomeBack       = "欢迎回来，你已成功登录其乐社区。"
)
