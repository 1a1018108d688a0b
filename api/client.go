// Package api is the client for the BookTalk REST backend, covering the
// minimal OpenTalk surface the chat feature needs: the join-room
// handshake, paginated chat history, and room bookmarks.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/booktalk/opentalk/chat"
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	AccessToken() (string, error)
}

// Error is a non-2xx backend response. It is distinct from an empty
// result: an empty page decodes fine and is not an Error.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Client talks to the REST backend. It implements chat.Backend together
// with a Credentials provider for own-message marking.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	// self resolves the authenticated nickname for IsOwn derivation on
	// fetched history pages.
	self   func() string
	logger *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, tokens TokenSource, self func() string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
		self:    self,
		logger:  slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type joinRequest struct {
	ISBN         string `json:"isbn"`
	BookName     string `json:"bookname"`
	BookImageURL string `json:"bookImageUrl"`
	PageSize     int    `json:"pageSize"`
}

type joinResponse struct {
	OpenTalkID int               `json:"opentalkId"`
	IsFavorite bool              `json:"isFavorite"`
	Chats      []json.RawMessage `json:"chats"`
}

// JoinOpenTalk performs the join-room handshake. The response carries the
// room id, the bookmark flag, and the initial page of messages
// newest-first.
func (c *Client) JoinOpenTalk(ctx context.Context, in chat.JoinInput) (*chat.JoinResult, error) {
	req := joinRequest{
		ISBN:         in.ISBN,
		BookName:     in.BookTitle,
		BookImageURL: in.BookImageURL,
		PageSize:     in.PageSize,
	}
	var res joinResponse
	if err := c.do(ctx, http.MethodPost, "/api/opentalk/join", nil, req, &res); err != nil {
		return nil, err
	}
	return &chat.JoinResult{
		RoomID:     res.OpenTalkID,
		IsFavorite: res.IsFavorite,
		Chats:      c.decodeMessages(res.Chats),
	}, nil
}

// ChatPage fetches one backward page of a room's history, newest-first.
func (c *Client) ChatPage(ctx context.Context, roomID, pageNo, pageSize int) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("opentalkId", strconv.Itoa(roomID))
	q.Set("pageNo", strconv.Itoa(pageNo))
	q.Set("pageSize", strconv.Itoa(pageSize))

	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/opentalk/chats", q, nil, &raw); err != nil {
		return nil, err
	}
	return c.decodeMessages(raw), nil
}

type favoriteRequest struct {
	OpenTalkID int `json:"opentalkId"`
}

func (c *Client) AddFavorite(ctx context.Context, roomID int) error {
	return c.do(ctx, http.MethodPost, "/api/opentalk/favorite", nil, favoriteRequest{OpenTalkID: roomID}, nil)
}

func (c *Client) RemoveFavorite(ctx context.Context, roomID int) error {
	return c.do(ctx, http.MethodDelete, "/api/opentalk/favorite", nil, favoriteRequest{OpenTalkID: roomID}, nil)
}

// OpenTalkBook is one entry of the hot or bookmarked room listings.
type OpenTalkBook struct {
	OpenTalkID   int    `json:"opentalkId"`
	BookName     string `json:"bookName"`
	BookImageURL string `json:"bookImageUrl"`
}

func (c *Client) HotOpenTalks(ctx context.Context) ([]OpenTalkBook, error) {
	var books []OpenTalkBook
	if err := c.do(ctx, http.MethodGet, "/api/opentalk/hot", nil, nil, &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *Client) FavoriteOpenTalks(ctx context.Context) ([]OpenTalkBook, error) {
	var books []OpenTalkBook
	if err := c.do(ctx, http.MethodGet, "/api/opentalk/favorites", nil, nil, &books); err != nil {
		return nil, err
	}
	return books, nil
}

// decodeMessages converts wire payloads with the codec, dropping
// malformed elements the same way the live path drops malformed frames.
func (c *Client) decodeMessages(raw []json.RawMessage) []chat.Message {
	self := c.self()
	msgs := make([]chat.Message, 0, len(raw))
	for _, r := range raw {
		m, err := chat.DecodeMessage(r, self)
		if err != nil {
			c.logger.Error(fmt.Sprintf("dropping history entry: %v", err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, err := c.tokens.AccessToken(); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &Error{Status: res.StatusCode, Message: readErrorMessage(res.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

type errorResponse struct {
	Message string `json:"message"`
}

func readErrorMessage(r io.Reader) string {
	var e errorResponse
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&e); err != nil || e.Message == "" {
		return "request failed"
	}
	return e.Message
}
