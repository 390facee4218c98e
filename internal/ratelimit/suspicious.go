package ratelimit

import (
	"regexp"
	"strings"
)

// Request 請求脈絡（由 HTTP 層提供，唯讀）
type Request struct {
	UserAgent string
	Referer   string
	Path      string
}

// 可疑訊號名稱
const (
	SignalEmptyUserAgent  = "empty_user_agent"
	SignalBotUserAgent    = "bot_user_agent"
	SignalSQLInjection    = "sql_injection"
	SignalScriptInjection = "script_injection"
	SignalPathTraversal   = "path_traversal"
	SignalControlSequence = "control_sequence"
	SignalHighFrequency   = "high_frequency"
)

type signature struct {
	name    string
	pattern *regexp.Regexp
}

var botUserAgent = regexp.MustCompile(`(?i)(bot\b|crawler|spider|scraper|curl/|wget/|python-requests|python-urllib|go-http-client|libwww|scrapy|phantomjs|headlesschrome|httpclient)`)

// 對 User-Agent、Referer、Path 全部比對的特徵
var signatures = []signature{
	{SignalSQLInjection, regexp.MustCompile(`(?i)(union(\s|\+|%20)+select|select(\s|\+|%20)+.*(\s|\+|%20)+from|insert(\s|\+|%20)+into|drop(\s|\+|%20)+table|\bor(\s|\+|%20)+1(\s|\+|%20)*=(\s|\+|%20)*1|'(\s|\+|%20)*or(\s|\+|%20)*'|;(\s|\+|%20)*shutdown|sleep\(\d+\))`)},
	{SignalScriptInjection, regexp.MustCompile(`(?i)(<script|%3cscript|javascript:|vbscript:|onerror(\s)*=|onload(\s)*=)`)},
	{SignalPathTraversal, regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e(%2f|/|%5c)|\.\.%2f|\.\.%5c)`)},
	{SignalControlSequence, regexp.MustCompile(`(?i)(%00|%0d|%0a|%1b|%7f|[\x00\r\n\x1b\x7f])`)},
}

// inspect 比對請求特徵，回傳命中的訊號（不重複，依固定順序）
func inspect(req Request) []string {
	var signals []string

	ua := strings.TrimSpace(req.UserAgent)
	switch {
	case ua == "":
		signals = append(signals, SignalEmptyUserAgent)
	case botUserAgent.MatchString(ua):
		signals = append(signals, SignalBotUserAgent)
	}

	for _, sig := range signatures {
		if sig.pattern.MatchString(req.UserAgent) ||
			sig.pattern.MatchString(req.Referer) ||
			sig.pattern.MatchString(req.Path) {
			signals = append(signals, sig.name)
		}
	}
	return signals
}
