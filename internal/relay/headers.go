package relay

import (
	"net/http"
	"net/url"
	"strings"
)

// requestHeadersToStrip are removed from the client's request before the
// channel's own credentials and host are applied.
var requestHeadersToStrip = map[string]bool{
	"authorization":  true,
	"host":           true,
	"content-length": true,
	"x-api-key":      true,
}

// responseHeadersToStrip are hop-by-hop names removed from the upstream
// response before forwarding to the client.
var responseHeadersToStrip = map[string]bool{
	"connection":        true,
	"transfer-encoding": true,
}

// BuildUpstreamHeaders copies src (the client's original request headers)
// into a fresh header set without the client's authorization, host,
// content-length and x-api-key, then applies the channel's credentials and
// the upstream host, and sets Connection: keep-alive when absent. Callers sending the result
// through net/http must also set Request.Host, which takes precedence
// over the header map.
func BuildUpstreamHeaders(src http.Header, upstreamHost, authToken, apiKey string) http.Header {
	out := make(http.Header, len(src)+4)
	for k, vs := range src {
		if requestHeadersToStrip[strings.ToLower(k)] {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}

	out.Set("Host", upstreamHost)
	if out.Get("Connection") == "" {
		out.Set("Connection", "keep-alive")
	}
	if authToken != "" {
		out.Set("Authorization", "Bearer "+authToken)
	}
	if apiKey != "" {
		out.Set("X-Api-Key", apiKey)
	}
	return out
}

// CopyResponseHeaders copies src into dst, skipping hop-by-hop names.
func CopyResponseHeaders(dst http.ResponseWriter, src http.Header) {
	header := dst.Header()
	for k, vs := range src {
		if responseHeadersToStrip[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}
}

// BuildTargetURL joins base (a channel's base_url, trailing slash
// stripped) with the incoming path and query string.
func BuildTargetURL(base, path, rawQuery string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String(), nil
}
