package rate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// localKey: 离线后端（echo/flaky）无凭据时的固定分组。
const localKey = "LOCAL_BACKEND"

// DeriveKeyFromBackendOptions 从后端标识与其原样 Options JSON 中提取 API Key，
// 返回 backend+blake3(key) 构造的限流分组键。找不到 key 时返回错误。
// 仅解析常见键名："api_key" 与 "api_key_env"。
func DeriveKeyFromBackendOptions(backend string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)

	pick := func(key string) string {
		if s, ok := obj[key].(string); ok {
			return s
		}
		return ""
	}
	key := pick("api_key")
	if key == "" {
		if env := pick("api_key_env"); env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" {
		switch backend {
		case "echo", "flaky":
			key = localKey
		default:
			return "", fmt.Errorf("rate: missing api key for backend %s", backend)
		}
	}
	sum := blake3.Sum256([]byte(key))
	return LimitKey(backend + ":" + hex.EncodeToString(sum[:16])), nil
}
