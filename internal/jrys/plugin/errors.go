package plugin

// Messages shown to chat users.
const (
	MsgBackgroundFailed = "获取背景图片失败，请稍后再试～"
	MsgAvatarFailed     = "获取头像失败，请稍后再试～"
	MsgRenderFailed     = "生成图片失败，请稍后再试～"
	MsgNoHistory        = "你还没有生成过今日运势哦，先发送 jrys 生成一张吧！"
	MsgHistoryMissing   = "找不到上一次生成的原图了，可能已被清理，请重新生成～"
)

// UserError carries a message meant for the requesting user. Err is the
// underlying cause for logs.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *UserError) Unwrap() error { return e.Err }

func userError(msg string, err error) error {
	return &UserError{Message: msg, Err: err}
}
