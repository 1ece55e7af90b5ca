package strategy

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/chartsnap/internal/browser"
	"github.com/JakeFAU/chartsnap/internal/capture"
)

const (
	// DefaultChartBaseURL hosts saved chart layouts.
	DefaultChartBaseURL = "https://www.tradingview.com/chart/"
	// DefaultCookieDomain scopes injected session cookies.
	DefaultCookieDomain = ".tradingview.com"
)

// ChartURL builds the chart address for chartID. The ticker is appended as a
// symbol parameter only when it is exchange-qualified (EXCHANGE:SYMBOL).
func ChartURL(base, chartID, ticker string) string {
	if base == "" {
		base = DefaultChartBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u := base + url.PathEscape(chartID) + "/"
	if strings.Contains(ticker, ":") {
		u += "?symbol=" + url.QueryEscape(ticker)
	}
	return u
}

// SessionCookies returns the two session cookies for creds.
func SessionCookies(domain string, creds capture.Credentials) []browser.Cookie {
	if domain == "" {
		domain = DefaultCookieDomain
	}
	return []browser.Cookie{
		{Name: "sessionid", Value: creds.SessionID, Domain: domain, Path: "/", Secure: true, HTTPOnly: true},
		{Name: "sessionid_sign", Value: creds.SessionSign, Domain: domain, Path: "/", Secure: true, HTTPOnly: true},
	}
}
