package contract

import (
	"path"
	"strings"
)

// NormalizeSourceID 规范化本地路径类来源标识。
// 规则：
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - URL 与带前缀的选择子（cmd: 等）原样返回
func NormalizeSourceID(p string) string {
	if strings.Contains(p, "://") || hasSelectorPrefix(p) {
		return p
	}
	s := strings.ReplaceAll(p, "\\", "/")
	return path.Clean(s)
}

func hasSelectorPrefix(p string) bool {
	i := strings.IndexByte(p, ':')
	if i <= 1 { // 单字母视作盘符
		return false
	}
	for _, r := range p[:i] {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
