// Package feeds polls RSS and Atom feeds for funding announcements and turns
// matching items into parser input.
package feeds

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog/log"

	"convocatorias/internal/convocatoria"
)

// Item is one feed entry that matched the keyword filter.
type Item struct {
	Title       string
	Description string
	Link        string
	Feed        string
	PublishedAt time.Time
}

// RawInput renders the item as pipeline input.
func (it Item) RawInput() convocatoria.RawInput {
	var sb strings.Builder
	sb.WriteString(it.Title)
	if it.Description != "" {
		sb.WriteString("\n\n")
		sb.WriteString(it.Description)
	}
	if it.Link != "" {
		sb.WriteString("\n\nFuente: ")
		sb.WriteString(it.Link)
	}
	return convocatoria.RawInput{Content: sb.String(), SourceKind: convocatoria.SourceURL, MimeHint: "application/rss+xml"}
}

type Poller struct {
	Client   *http.Client
	Feeds    []string
	Keywords []string
	Lookback time.Duration
	Now      func() time.Time
}

func NewPoller(feeds, keywords []string, lookbackDays int, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if lookbackDays <= 0 {
		lookbackDays = 14
	}
	return &Poller{
		Client:   &http.Client{Timeout: timeout},
		Feeds:    feeds,
		Keywords: keywords,
		Lookback: time.Duration(lookbackDays) * 24 * time.Hour,
		Now:      time.Now,
	}
}

// Poll fetches every feed and keeps items within the look-back window whose
// title or description contains a keyword. A feed that cannot be fetched or
// parsed is logged and skipped. Items without a date are kept. Links seen in
// more than one feed are returned once.
func (p *Poller) Poll(ctx context.Context) ([]Item, error) {
	keywords := normalizeKeywords(p.Keywords)
	if len(keywords) == 0 {
		return nil, nil
	}
	from := p.Now().Add(-p.Lookback)
	parser := gofeed.NewParser()
	seen := map[string]bool{}
	var out []Item

	for _, feedURL := range p.Feeds {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		feed, err := p.fetch(ctx, parser, feedURL)
		if err != nil {
			log.Warn().Err(err).Str("feed", feedURL).Msg("feed skipped")
			continue
		}
		for _, it := range feed.Items {
			title := strings.TrimSpace(it.Title)
			desc := strings.TrimSpace(it.Description)
			if !matchesAnyKeyword(strings.ToLower(title+" "+desc), keywords) {
				continue
			}
			var pub time.Time
			if it.PublishedParsed != nil {
				pub = *it.PublishedParsed
			} else if it.UpdatedParsed != nil {
				pub = *it.UpdatedParsed
			}
			if !pub.IsZero() && pub.Before(from) {
				continue
			}
			link := strings.TrimSpace(it.Link)
			if link != "" {
				if seen[link] {
					continue
				}
				seen[link] = true
			}
			out = append(out, Item{
				Title:       title,
				Description: desc,
				Link:        link,
				Feed:        strings.TrimSpace(feed.Title),
				PublishedAt: pub,
			})
		}
	}
	return out, nil
}

func (p *Poller) fetch(ctx context.Context, parser *gofeed.Parser, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	return parser.Parse(resp.Body)
}

func normalizeKeywords(in []string) []string {
	var out []string
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if len(k) < 3 {
			continue
		}
		out = append(out, k)
	}
	return out
}

func matchesAnyKeyword(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
