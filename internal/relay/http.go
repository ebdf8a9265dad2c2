package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"omemo/internal/domain"
)

// Delivery is one queued envelope for a device.
type Delivery = domain.Delivery

// Client talks to a relay on behalf of one account. It implements
// domain.PublishService for that account and reads its mailbox.
type Client struct {
	Base  string
	Owner domain.JID
	HTTP  *http.Client
}

// NewHTTP returns a Client for owner against the relay at base.
func NewHTTP(base string, owner domain.JID) *Client {
	return &Client{Base: base, Owner: owner, HTTP: http.DefaultClient}
}

// Publish stores item on the owner's node.
func (c *Client) Publish(ctx context.Context, node string, item domain.Item) error {
	path := c.nodePath(c.Owner, node) + "/items/" + url.PathEscape(item.ID)
	return c.do(ctx, http.MethodPut, path, "application/octet-stream", item.Payload, nil)
}

// RetrieveItems returns every item of owner's node.
func (c *Client) RetrieveItems(ctx context.Context, owner domain.JID, node string) ([]domain.Item, error) {
	var items []domain.Item
	if err := c.getJSON(ctx, c.nodePath(owner, node)+"/items", &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Delete removes the owner's node.
func (c *Client) Delete(ctx context.Context, node string) error {
	return c.do(ctx, http.MethodDelete, c.nodePath(c.Owner, node), "", nil, nil)
}

// SendMessage queues data for the device to.
func (c *Client) SendMessage(ctx context.Context, to domain.Address, data []byte) error {
	return c.post(ctx, c.mailboxPath(to), Delivery{From: c.Owner, Data: data}, nil)
}

// FetchMessages returns up to limit deliveries queued for device; limit <= 0
// means all.
func (c *Client) FetchMessages(ctx context.Context, device domain.DeviceID, limit int) ([]Delivery, error) {
	path := c.mailboxPath(domain.Address{JID: c.Owner, DeviceID: device})
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Delivery
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AckMessages removes the given deliveries from device's queue.
func (c *Client) AckMessages(ctx context.Context, device domain.DeviceID, ids []string) error {
	path := c.mailboxPath(domain.Address{JID: c.Owner, DeviceID: device}) + "/ack"
	return c.post(ctx, path, ackRequest{IDs: ids}, nil)
}

type ackRequest struct {
	IDs []string `json:"ids"`
}

func (c *Client) mailboxPath(addr domain.Address) string {
	return "/msg/" + url.PathEscape(string(addr.JID)) + "/" + strconv.FormatUint(uint64(addr.DeviceID), 10)
}

func (c *Client) nodePath(owner domain.JID, node string) string {
	return "/pubsub/" + url.PathEscape(string(owner)) + "/" + url.PathEscape(node)
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, "application/json", b, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, rd)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay %s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Compile-time assertions.
var (
	_ domain.PublishService = (*Client)(nil)
	_ domain.Mailbox        = (*Client)(nil)
)
