package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/tunnelguard/internal/config"
	"github.com/koltyakov/tunnelguard/internal/domain"
)

const controlTimeout = 10 * time.Second

// controlClient talks to the control API of a running gateway.
type controlClient struct {
	base  string
	token string
	http  *http.Client
}

// newControlClient resolves the control address from the environment and
// the admin token from the environment or the token file under home.
func newControlClient(common config.Common, addr string) (*controlClient, error) {
	cc, err := config.LoadControlClient()
	if err != nil {
		return nil, err
	}
	base := cc.BaseURL()
	if addr = strings.TrimSpace(addr); addr != "" {
		base = "http://" + addr
	}
	token := cc.Token
	if token == "" {
		raw, err := os.ReadFile(common.AdminTokenPath())
		if err != nil {
			return nil, fmt.Errorf("no admin token: set TUNNELGUARD_ADMIN_TOKEN or start tunnelguard serve once (%w)", err)
		}
		token = strings.TrimSpace(string(raw))
	}
	return &controlClient{base: base, token: token, http: &http.Client{Timeout: controlTimeout}}, nil
}

type controlError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"error"`
}

func (e *controlError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("control API returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%s)", e.Msg, e.Code)
}

func (c *controlClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control API unreachable at %s (is tunnelguard serve running?): %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		ce := &controlError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(ce)
		return ce
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *controlClient) blocks(ctx context.Context) ([]domain.BlockedIP, error) {
	var out []domain.BlockedIP
	err := c.do(ctx, http.MethodGet, "/v1/blocks", nil, &out)
	return out, err
}

func (c *controlClient) block(ctx context.Context, ip, reason string, d time.Duration) (domain.BlockedIP, error) {
	var out domain.BlockedIP
	err := c.do(ctx, http.MethodPost, "/v1/blocks", map[string]any{
		"ip":              ip,
		"reason":          reason,
		"durationSeconds": int(d / time.Second),
	}, &out)
	return out, err
}

func (c *controlClient) unblock(ctx context.Context, ip string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/blocks/"+url.PathEscape(ip), nil, nil)
	var ce *controlError
	if errors.As(err, &ce) && ce.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", errNotBlocked, ip)
	}
	return err
}

// follow streams audit entries until ctx is cancelled or the server closes
// the socket.
func (c *controlClient) follow(ctx context.Context, fn func(domain.AuditEntry) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/v1/audit/stream"
	header := http.Header{"Authorization": {"Bearer " + c.token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("audit stream: control API returned %d", resp.StatusCode)
		}
		return fmt.Errorf("audit stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		var e domain.AuditEntry
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

var errNotBlocked = errors.New("source is not blocked")
