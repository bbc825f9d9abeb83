// Package blockedpage renders the 403 response body for blocked requests.
package blockedpage

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// pageTemplate mirrors the operator-facing blocked page from the original
// proxy monitor: a dark card naming the blocked host and reason.
const pageTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>Access Blocked</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: system-ui, -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
            background: linear-gradient(135deg, #0f172a 0%%, #1e293b 100%%);
            color: #fff;
            display: flex;
            align-items: center;
            justify-content: center;
            min-height: 100vh;
        }
        .container {
            text-align: center;
            padding: 50px;
            background: rgba(30, 41, 59, 0.95);
            border-radius: 24px;
            border: 1px solid #334155;
            max-width: 500px;
            margin: 20px;
        }
        h1 { color: #ef4444; margin-bottom: 10px; font-size: 32px; }
        p { color: #94a3b8; font-size: 16px; margin-bottom: 25px; line-height: 1.6; }
        .domain {
            background: linear-gradient(135deg, #ef4444, #dc2626);
            padding: 15px 30px;
            border-radius: 12px;
            display: inline-block;
            font-family: 'SF Mono', Monaco, monospace;
            font-size: 18px;
            font-weight: 600;
            margin-bottom: 20px;
        }
        .reason {
            padding: 15px 20px;
            background: rgba(239, 68, 68, 0.1);
            border: 1px solid rgba(239, 68, 68, 0.2);
            border-radius: 10px;
            color: #fca5a5;
            font-size: 14px;
            margin-bottom: 20px;
        }
        .footer { color: #64748b; font-size: 12px; border-top: 1px solid #334155; padding-top: 20px; margin-top: 10px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Access Blocked</h1>
        <p>This website has been blocked by your network administrator.</p>
        <div class="domain">%s</div>
        <div class="reason"><strong>Reason:</strong> %s</div>
        <div class="footer">
            SentinelProxy &middot; %s
        </div>
    </div>
</body>
</html>`

// Render builds the full HTTP/1.1 403 response, status line through body,
// ready to write directly to the client socket.
func Render(host, reason string, now time.Time) []byte {
	if reason == "" {
		reason = "Policy violation"
	}
	body := fmt.Sprintf(pageTemplate, html.EscapeString(host), html.EscapeString(reason), now.UTC().Format("2006-01-02 15:04:05"))

	var b strings.Builder
	b.WriteString("HTTP/1.1 403 Forbidden\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n")
	b.WriteString("X-Blocked-By: SentinelProxy\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
