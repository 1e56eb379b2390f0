// Package fetch downloads a web page and reduces it to plain text for the
// parser pipeline.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultMaxBytes = 2 << 20
)

var (
	ErrNotURL    = errors.New("content is not an http(s) url")
	ErrBadStatus = errors.New("page returned a non-2xx status")
	ErrEmptyPage = errors.New("page has no readable text")
	ErrFetch     = errors.New("page could not be fetched")

	// ErrBlockedAddress means the URL resolved to an address that is not
	// publicly routable.
	ErrBlockedAddress = errors.New("address not allowed")
)

type Fetcher struct {
	Client   *http.Client
	MaxBytes int64
}

// New returns a Fetcher that only connects to public addresses. The check
// runs on every dial, after DNS resolution, so redirects are covered too.
func New() *Fetcher {
	dialer := &net.Dialer{Timeout: DefaultTimeout, Control: rejectPrivate}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &Fetcher{
		Client:   &http.Client{Timeout: DefaultTimeout, Transport: transport},
		MaxBytes: DefaultMaxBytes,
	}
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

func rejectPrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	if !IsPublicAddr(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
	}
	return nil
}

// IsPublicAddr reports whether addr is a globally routable unicast address.
// Loopback, private, link-local (including cloud metadata endpoints),
// multicast and unspecified addresses are not.
func IsPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() {
		return false
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return false
		}
	}
	return true
}

// IsURL reports whether content is a single bare http(s) URL.
func IsURL(content string) bool {
	content = strings.TrimSpace(content)
	if content == "" || strings.ContainsAny(content, " \n\t") {
		return false
	}
	u, err := url.Parse(content)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Page is the readable text of a fetched document.
type Page struct {
	URL      string
	Title    string
	Text     string
	MimeType string
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !IsURL(rawURL) {
		return Page{}, ErrNotURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", "ConvocatoriasPro/1.0")
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	client := f.Client
	if client == nil {
		client = New().Client
	}
	resp, err := client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return Page{}, fmt.Errorf("read %s: %w", rawURL, err)
	}

	mime := resp.Header.Get("Content-Type")
	page := Page{URL: rawURL, MimeType: mime}
	if strings.Contains(mime, "html") || mime == "" {
		page.Title, page.Text, err = htmlToText(string(body))
		if err != nil {
			return Page{}, err
		}
	} else {
		page.Text = strings.TrimSpace(string(body))
	}
	if page.Text == "" {
		return Page{}, ErrEmptyPage
	}
	return page, nil
}

func htmlToText(doc string) (string, string, error) {
	root, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	root.Find("script, style, noscript, nav, footer, header, svg, iframe").Remove()
	title := strings.TrimSpace(root.Find("title").First().Text())

	var lines []string
	root.Find("h1, h2, h3, h4, p, li, td, th, dt, dd, pre").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p, li, td").Length() > 0 {
			return
		}
		if line := collapse(s.Text()); line != "" {
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		if line := collapse(root.Find("body").Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return title, strings.Join(lines, "\n"), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
