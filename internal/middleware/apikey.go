package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/zhouzirui/session-gateway/pkg/utils"
)

// APIKeyHeader 携带访问密钥的请求头。
const APIKeyHeader = "X-API-Key"

// APIKey 校验请求密钥。浏览器 WebSocket 无法设置请求头，因此也接受 ?apiKey= 查询参数。
// key 为空时不做校验。
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(APIKeyHeader)
			if provided == "" {
				provided = r.URL.Query().Get("apiKey")
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				utils.RespondError(w, http.StatusUnauthorized, "invalid or missing api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
