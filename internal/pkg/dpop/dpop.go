// Package dpop 生成 Mercari API 所需的 DPoP 证明令牌（ES256 JWT）。
package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer 对单个请求签名，返回 DPOP 头的值。
type Signer interface {
	Sign(nonce, method, url string) (string, error)
}

// KeySigner 使用 P-256 密钥签发 dpop+jwt。
//
// key 为空时每次签名都生成新的临时密钥，与网页客户端行为一致。
type KeySigner struct {
	key *ecdsa.PrivateKey
	now func() time.Time
}

// NewSigner 创建每次请求使用临时密钥的签名器。
func NewSigner() *KeySigner {
	return &KeySigner{now: time.Now}
}

// NewKeySigner 创建使用固定密钥的签名器。
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, now: time.Now}
}

// Sign 生成 DPoP 令牌。
//
// 参数:
//
//	nonce: 写入 jti 的唯一值
//	method: HTTP 方法，写入 htm（大写）
//	url: 请求地址，写入 htu
func (s *KeySigner) Sign(nonce, method, url string) (string, error) {
	key := s.key
	if key == nil {
		var err error
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return "", fmt.Errorf("generate p-256 key: %w", err)
		}
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iat": now().Unix(),
		"jti": nonce,
		"htu": url,
		"htm": strings.ToUpper(method),
	})
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = PublicJWK(&key.PublicKey)

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign dpop: %w", err)
	}
	return signed, nil
}

// PublicJWK 返回公钥的 JWK 表示（坐标定长 32 字节）。
func PublicJWK(pub *ecdsa.PublicKey) map[string]string {
	return map[string]string{
		"crv": "P-256",
		"kty": "EC",
		"x":   encodeCoord(pub.X.FillBytes(make([]byte, 32))),
		"y":   encodeCoord(pub.Y.FillBytes(make([]byte, 32))),
	}
}

func encodeCoord(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
