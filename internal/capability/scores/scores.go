// Package scores implements the sports-scores capability client. It
// queries a scoreboard API and caches responses briefly, since score
// requests tend to arrive in bursts during games and the upstream data
// only changes every minute or so.
package scores

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/parley-bot/parley/internal/dispatch"
	"github.com/parley-bot/parley/internal/httpkit"
)

// Game is one scoreboard entry.
type Game struct {
	HomeTeam  string `json:"home_team"`
	HomeScore int    `json:"home_score"`
	AwayTeam  string `json:"away_team"`
	AwayScore int    `json:"away_score"`
	Status    string `json:"status"` // scheduled, in_progress, final
	Detail    string `json:"detail,omitempty"`
}

// Scoreboard is the scores capability's success payload.
type Scoreboard struct {
	League    string    `json:"league"`
	Games     []Game    `json:"games"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Client fetches scoreboards with a small TTL cache. The cache is
// safe under concurrent reads; routed requests from different users
// may hit it simultaneously.
type Client struct {
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	nowFunc func() time.Time
}

type cacheEntry struct {
	board   Scoreboard
	fetched time.Time
}

// New creates a scores client. ttl <= 0 defaults to one minute.
func New(baseURL string, ttl time.Duration, logger *slog.Logger) *Client {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		ttl:        ttl,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:     logger,
		cache:      make(map[string]cacheEntry),
		nowFunc:    time.Now,
	}
}

// Execute implements dispatch.Client. The input names a league or
// team; it is normalized into the cache key.
func (c *Client) Execute(ctx context.Context, requesterID, input string) dispatch.CallResult {
	query := normalizeQuery(input)
	if query == "" {
		return dispatch.Failure("no league or team given in request")
	}

	if board, ok := c.cached(query); ok {
		c.logger.Debug("scoreboard served from cache", "query", query)
		return dispatch.Success(board)
	}

	board, err := c.fetch(ctx, query)
	if err != nil {
		return dispatch.Failure("scores lookup failed: " + err.Error())
	}
	if len(board.Games) == 0 {
		return dispatch.Failure("no games found for " + query)
	}

	c.store(query, board)
	return dispatch.Success(board)
}

func (c *Client) cached(query string) (Scoreboard, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cache[query]
	if !ok || c.nowFunc().Sub(e.fetched) > c.ttl {
		return Scoreboard{}, false
	}
	return e.board, true
}

func (c *Client) store(query string, board Scoreboard) {
	c.mu.Lock()
	c.cache[query] = cacheEntry{board: board, fetched: c.nowFunc()}
	c.mu.Unlock()
}

// wire shapes for the scoreboard API.
type scoreboardResponse struct {
	League string      `json:"league"`
	Events []wireEvent `json:"events"`
}

type wireEvent struct {
	Status      string         `json:"status"`
	Detail      string         `json:"detail"`
	Competitors []wireCompetitor `json:"competitors"`
}

type wireCompetitor struct {
	Team  string `json:"team"`
	Score int    `json:"score"`
	Home  bool   `json:"home"`
}

func (c *Client) fetch(ctx context.Context, query string) (Scoreboard, error) {
	params := url.Values{"league": {query}}
	reqURL := fmt.Sprintf("%s/scoreboard?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Scoreboard{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Scoreboard{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Scoreboard{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var wire scoreboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Scoreboard{}, fmt.Errorf("decode response: %w", err)
	}

	board := Scoreboard{
		League:    wire.League,
		FetchedAt: c.nowFunc(),
	}
	for _, e := range wire.Events {
		var g Game
		g.Status = e.Status
		g.Detail = e.Detail
		for _, comp := range e.Competitors {
			if comp.Home {
				g.HomeTeam, g.HomeScore = comp.Team, comp.Score
			} else {
				g.AwayTeam, g.AwayScore = comp.Team, comp.Score
			}
		}
		board.Games = append(board.Games, g)
	}
	return board, nil
}

// normalizeQuery lowercases and strips request framing like "scores
// for" so cache keys collapse to the league/team name.
func normalizeQuery(input string) string {
	s := strings.ToLower(strings.TrimSpace(input))
	for _, prefix := range []string{"scores for ", "scores in ", "score for ", "scores "} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	if s == "scores" || s == "score" {
		return ""
	}
	return s
}

// Formatter renders a Scoreboard for final-pass context.
func Formatter() dispatch.Formatter {
	return dispatch.FormatterFunc(func(payload any) (string, error) {
		board, ok := payload.(Scoreboard)
		if !ok {
			return "", fmt.Errorf("scores formatter: unexpected payload %T", payload)
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "%s scoreboard as of %s:\n", strings.ToUpper(board.League), board.FetchedAt.Format(time.Kitchen))
		for _, g := range board.Games {
			fmt.Fprintf(&sb, "- %s %d, %s %d (%s", g.AwayTeam, g.AwayScore, g.HomeTeam, g.HomeScore, g.Status)
			if g.Detail != "" {
				fmt.Fprintf(&sb, ", %s", g.Detail)
			}
			sb.WriteString(")\n")
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	})
}
