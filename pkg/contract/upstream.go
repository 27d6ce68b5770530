package contract

// UpstreamError 承载上游 HTTP 错误的最小诊断信息（状态码与简短消息）。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
