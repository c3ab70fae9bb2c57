// Package zabbix is a minimal Zabbix JSON-RPC client covering the host, item
// and trigger calls sdmon needs.
package zabbix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"sdmon/internal/models"
)

const endpointPath = "api_jsonrpc.php"

// Item types and value types used by sdmon.
const (
	ItemTypeZabbixAgent = 0
	ValueTypeCharacter  = 1
)

// PriorityHigh is the trigger severity sdmon uses. Zabbix numbers severities
// 0 (not classified) to 5 (disaster); 4 is "High".
const PriorityHigh = 4

// Client talks to a Zabbix server. Every call other than Login requires a
// successful Login first.
type Client struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client

	nextID        atomic.Int64
	authenticated bool
}

// ItemSpec describes an item to create.
type ItemSpec struct {
	HostID      models.HostID
	InterfaceID models.InterfaceID
	Name        string
	Key         string
	Delay       time.Duration
	Tags        []models.Tag
}

// TriggerSpec describes a trigger to create.
type TriggerSpec struct {
	Description string
	Expression  string
	Priority    int
	Tags        []models.Tag
}

// New creates a client for server. The JSON-RPC endpoint path is appended
// when server is only the frontend base URL. timeout bounds every request;
// zero leaves it to the transport.
func New(server, token string, timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return NewWithHTTPClient(server, token, timeout, &http.Client{Transport: transport})
}

// NewWithHTTPClient is New with a caller-supplied http.Client.
func NewWithHTTPClient(server, token string, timeout time.Duration, hc *http.Client) *Client {
	return &Client{
		url:     endpointURL(server),
		token:   token,
		timeout: timeout,
		client:  hc,
	}
}

func endpointURL(server string) string {
	server = strings.TrimSuffix(server, "/")
	if strings.HasSuffix(server, endpointPath) {
		return server
	}
	return server + "/" + endpointPath
}

// Login validates the API token. A token the server rejects yields
// ErrAuthentication; an unreachable or failing server yields ErrRequest.
func (c *Client) Login(ctx context.Context) error {
	var result json.RawMessage
	params := map[string]string{"token": c.token}
	if err := c.do(ctx, "user.checkAuthentication", params, false, &result); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return err
	}
	c.authenticated = true
	return nil
}

// FindHostID returns the id of the host whose technical name is hostname.
func (c *Client) FindHostID(ctx context.Context, hostname string) (models.HostID, error) {
	var hosts []struct {
		HostID string `json:"hostid"`
		Host   string `json:"host"`
	}
	params := map[string]any{
		"output": []string{"hostid", "host"},
		"filter": map[string]any{"host": []string{hostname}},
	}
	if err := c.call(ctx, "host.get", params, &hosts); err != nil {
		return "", err
	}
	for _, h := range hosts {
		if h.Host == hostname {
			return models.HostID(h.HostID), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrHostNotFound, hostname)
}

// ListInterfaces returns the interface ids of a host in API order.
func (c *Client) ListInterfaces(ctx context.Context, hostID models.HostID) ([]models.InterfaceID, error) {
	var interfaces []struct {
		InterfaceID string `json:"interfaceid"`
	}
	params := map[string]any{
		"output":  []string{"interfaceid"},
		"hostids": hostID,
	}
	if err := c.call(ctx, "hostinterface.get", params, &interfaces); err != nil {
		return nil, err
	}
	ids := make([]models.InterfaceID, 0, len(interfaces))
	for _, i := range interfaces {
		ids = append(ids, models.InterfaceID(i.InterfaceID))
	}
	return ids, nil
}

// CreateItem creates a Zabbix agent item with a character value type.
func (c *Client) CreateItem(ctx context.Context, spec ItemSpec) (models.ItemID, error) {
	var result struct {
		ItemIDs []string `json:"itemids"`
	}
	params := map[string]any{
		"hostid":      spec.HostID,
		"interfaceid": spec.InterfaceID,
		"name":        spec.Name,
		"key_":        spec.Key,
		"type":        ItemTypeZabbixAgent,
		"value_type":  ValueTypeCharacter,
		"delay":       formatDelay(spec.Delay),
		"tags":        tagsOrEmpty(spec.Tags),
	}
	if err := c.call(ctx, "item.create", params, &result); err != nil {
		return "", err
	}
	if len(result.ItemIDs) == 0 {
		return "", fmt.Errorf("%w: item.create returned no id", ErrRequest)
	}
	return models.ItemID(result.ItemIDs[0]), nil
}

// CreateTrigger creates a trigger. Duplicates are not detected.
func (c *Client) CreateTrigger(ctx context.Context, spec TriggerSpec) (models.TriggerID, error) {
	var result struct {
		TriggerIDs []string `json:"triggerids"`
	}
	params := map[string]any{
		"description": spec.Description,
		"expression":  spec.Expression,
		"priority":    spec.Priority,
		"tags":        tagsOrEmpty(spec.Tags),
	}
	if err := c.call(ctx, "trigger.create", params, &result); err != nil {
		return "", err
	}
	if len(result.TriggerIDs) == 0 {
		return "", fmt.Errorf("%w: trigger.create returned no id", ErrRequest)
	}
	return models.TriggerID(result.TriggerIDs[0]), nil
}

// FindTriggersByDescription returns triggers whose description equals description.
func (c *Client) FindTriggersByDescription(ctx context.Context, description string) ([]models.TriggerID, error) {
	var triggers []struct {
		TriggerID string `json:"triggerid"`
	}
	params := map[string]any{
		"output": []string{"triggerid"},
		"filter": map[string]any{"description": description},
	}
	if err := c.call(ctx, "trigger.get", params, &triggers); err != nil {
		return nil, err
	}
	ids := make([]models.TriggerID, 0, len(triggers))
	for _, t := range triggers {
		ids = append(ids, models.TriggerID(t.TriggerID))
	}
	return ids, nil
}

// DeleteTriggers deletes the given triggers.
func (c *Client) DeleteTriggers(ctx context.Context, ids []models.TriggerID) error {
	var result json.RawMessage
	return c.call(ctx, "trigger.delete", ids, &result)
}

// FindItemsByHostAndName returns items on hostID whose name equals name.
func (c *Client) FindItemsByHostAndName(ctx context.Context, hostID models.HostID, name string) ([]models.ItemID, error) {
	var items []struct {
		ItemID string `json:"itemid"`
	}
	params := map[string]any{
		"output": []string{"itemid"},
		"filter": map[string]any{
			"hostid": hostID,
			"name":   name,
		},
	}
	if err := c.call(ctx, "item.get", params, &items); err != nil {
		return nil, err
	}
	ids := make([]models.ItemID, 0, len(items))
	for _, i := range items {
		ids = append(ids, models.ItemID(i.ItemID))
	}
	return ids, nil
}

// DeleteItems deletes the given items.
func (c *Client) DeleteItems(ctx context.Context, ids []models.ItemID) error {
	var result json.RawMessage
	return c.call(ctx, "item.delete", ids, &result)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, dest any) error {
	if !c.authenticated {
		return fmt.Errorf("%w: %s called before login", ErrAuthentication, method)
	}
	return c.do(ctx, method, params, true, dest)
}

func (c *Client) do(ctx context.Context, method string, params any, auth bool, dest any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrRequest, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRequest, method, err)
	}
	req.Header.Set("Content-Type", "application/json-rpc")
	req.Header.Set("Accept", "application/json")
	if auth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRequest, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: http %d", ErrRequest, method, resp.StatusCode)
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrRequest, method, err)
	}
	if decoded.Error != nil {
		decoded.Error.Method = method
		return decoded.Error
	}
	if err := json.Unmarshal(decoded.Result, dest); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", ErrRequest, method, err)
	}
	return nil
}

func formatDelay(d time.Duration) string {
	if d <= 0 {
		d = 15 * time.Second
	}
	return fmt.Sprintf("%ds", int(d/time.Second))
}

func tagsOrEmpty(tags []models.Tag) []models.Tag {
	if tags == nil {
		return []models.Tag{}
	}
	return tags
}
