package cache

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/zeebo/blake3"

	"longctx/pkg/contract"
)

// Key 为 64 位十六进制的 BLAKE3-256 摘要。
type Key string

type domainKey [32]byte

// 域分离键：ASCII 域名零填充到 32 字节；修改即令该域全部缓存失效。
var (
	mapDomain     = newDomain("longctx.cache.map")
	reduceDomain  = newDomain("longctx.cache.reduce")
	directDomain  = newDomain("longctx.cache.direct")
	contentDomain = newDomain("longctx.cache.content")
)

func newDomain(name string) domainKey {
	var k domainKey
	copy(k[:], name)
	return k
}

// MapKey: 单个 Chunk 的 map 调用键。
func MapKey(chunkText, question string, p contract.Params, tmplVersion string) Key {
	return derive(mapDomain, append([]string{chunkText, question, tmplVersion}, paramFields(p)...)...)
}

// ReduceKey: 归约调用键；pass 区分分层归约的各轮与最终轮。
func ReduceKey(combined, question string, p contract.Params, tmplVersion string, pass int) Key {
	return derive(reduceDomain, append([]string{combined, question, tmplVersion, strconv.Itoa(pass)}, paramFields(p)...)...)
}

// DirectKey: 无需归约的直答调用键（零个或一个 Chunk）。
func DirectKey(context, question string, p contract.Params, tmplVersion string) Key {
	return derive(directDomain, append([]string{context, question, tmplVersion}, paramFields(p)...)...)
}

// ContentKey: 通用内容缓存键（例如规范化后的 URL）。
func ContentKey(kind, signature string) Key {
	return derive(contentDomain, kind, signature)
}

// Timeout 与 MaxTokens 之外的所有参数都影响输出，均参与键。
func paramFields(p contract.Params) []string {
	return []string{p.ModelID, optFloat(p.Temperature), optFloat(p.TopP), strconv.Itoa(p.MaxTokens)}
}

func optFloat(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

// derive 对长度前缀编码的字段序列做 keyed hash，字段边界不可混淆。
func derive(dk domainKey, fields ...string) Key {
	h, err := blake3.NewKeyed(dk[:])
	if err != nil {
		panic("cache: blake3 keyed init: " + err.Error())
	}
	var lenBuf [binary.MaxVarintLen64]byte
	for _, f := range fields {
		n := binary.PutUvarint(lenBuf[:], uint64(len(f)))
		_, _ = h.Write(lenBuf[:n])
		_, _ = h.WriteString(f)
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Valid 检查键形状（64 位小写十六进制）。
func (k Key) Valid() bool {
	if len(k) != 64 {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
