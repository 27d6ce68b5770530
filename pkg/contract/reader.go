package contract

import "context"

// Source: Reader 产出的单个来源。
type Source struct {
	ID      string
	Kind    Kind
	Label   string
	Content Content
}

// Reader: 将一个选择子（路径/URL/命令等）解析为一个或多个有序 Source。
// 约束：
// 1) 按确定顺序回调（目录按字典序）；
// 2) 不在内部起并发；
// 3) 内容可惰性加载。
type Reader interface {
	Iterate(ctx context.Context, selector string, yield func(src Source) error) error
}
