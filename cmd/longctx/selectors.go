package main

import (
	"strings"

	"github.com/spf13/pflag"

	"longctx/internal/ingest"
)

// selectorFlag: 多个来源旗标共享同一有序列表，旗标出现顺序即片段顺序。
type selectorFlag struct {
	kind ingest.SelectorKind
	list *[]ingest.Selector
}

var _ pflag.Value = (*selectorFlag)(nil)

func (f *selectorFlag) String() string {
	if f.list == nil {
		return ""
	}
	var vs []string
	for _, s := range *f.list {
		if s.Kind == f.kind {
			vs = append(vs, s.Value)
		}
	}
	return strings.Join(vs, ",")
}

func (f *selectorFlag) Set(v string) error {
	*f.list = append(*f.list, ingest.Selector{Kind: f.kind, Value: v})
	return nil
}

func (f *selectorFlag) Type() string { return "string" }

func addSelectorFlags(fs *pflag.FlagSet, list *[]ingest.Selector) {
	fs.VarP(&selectorFlag{kind: ingest.KindFile, list: list}, "file", "f",
		"来源：文件/目录/行区间(path:a-b)/\"-\"/URL/cmd:/man:/tldr:/bts:/buildd:/archwiki:（可重复）")
	fs.VarP(&selectorFlag{kind: ingest.KindURL, list: list}, "url", "u", "来源：网页 URL 或别名（可重复）")
	fs.VarP(&selectorFlag{kind: ingest.KindCmd, list: list}, "cmd", "x", "来源：命令输出（可重复）")
	fs.VarP(&selectorFlag{kind: ingest.KindText, list: list}, "text", "t", "来源：字面文本（可重复）")
}
