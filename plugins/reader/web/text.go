package web

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"longctx/pkg/contract"
)

var blankRun = regexp.MustCompile(`\n\n+\n`)

// htmlText 提取页面可见文本：跳过脚本与样式，块级元素换行，合并多余空行并去除行尾空白。
func htmlText(body []byte, dropClasses []string) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %v: %w", err, contract.ErrResponseInvalid)
	}
	drop := make(map[string]struct{}, len(dropClasses))
	for _, c := range dropClasses {
		drop[c] = struct{}{}
	}
	var sb strings.Builder
	walk(doc, &sb, drop, 0)
	lines := strings.Split(sb.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	return blankRun.ReplaceAllString(text, "\n\n"), nil
}

func walk(n *html.Node, sb *strings.Builder, drop map[string]struct{}, depth int) {
	if depth > 256 {
		return
	}
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "template", "svg":
			return
		case "br":
			sb.WriteByte('\n')
			return
		}
		if hasClass(n, drop) {
			return
		}
	}
	block := n.Type == html.ElementNode && isBlock(n.Data)
	if block {
		sb.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, sb, drop, depth+1)
	}
	if block {
		sb.WriteByte('\n')
	}
}

func hasClass(n *html.Node, drop map[string]struct{}) bool {
	if len(drop) == 0 {
		return false
	}
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if _, ok := drop[c]; ok {
				return true
			}
		}
	}
	return false
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "li", "ul", "ol", "pre", "table", "tr", "section", "article",
		"h1", "h2", "h3", "h4", "h5", "h6", "title", "header", "footer", "nav", "blockquote":
		return true
	}
	return false
}
