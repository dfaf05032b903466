package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"github.com/slickwilli/plugsave/models"
	"github.com/slickwilli/plugsave/pkg/store"
	"io"
	"net/http"
	"net/url"
)

const devicesPath = "rest/v1/devices"

var _ store.DeviceStore = (*Client)(nil)

func (c *Client) ListDevicesByOwner(ctx context.Context, ownerID string) ([]models.Device, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("user_id", "eq."+ownerID)
	q.Set("order", "created_at.asc")
	var devices []models.Device
	if err := c.do(ctx, "list", http.MethodGet, q, nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *Client) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	var devices []models.Device
	if err := c.do(ctx, "get", http.MethodGet, byID(id), nil, &devices); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, store.ErrNotFound
	}
	return &devices[0], nil
}

func (c *Client) UpdateDevice(ctx context.Context, id string, upd models.DeviceUpdate) (*models.Device, error) {
	var devices []models.Device
	if err := c.do(ctx, "update", http.MethodPatch, byID(id), upd.Fields(), &devices); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, store.ErrNotFound
	}
	return &devices[0], nil
}

// CreateDevice inserts d. The id is left to the database when empty.
func (c *Client) CreateDevice(ctx context.Context, d *models.Device) (*models.Device, error) {
	row := map[string]any{
		"user_id":             d.Owner,
		"name":                d.Name,
		"device_type":         d.DeviceType,
		"serial_number":       d.SerialNumber,
		"ip_address":          d.IPAddress,
		"power_status":        d.PowerStatus,
		"current_consumption": d.CurrentConsumption,
		"daily_usage":         d.DailyUsage,
		"monthly_usage":       d.MonthlyUsage,
		"electricity_rate":    d.ElectricityRate,
		"daily_limit":         d.DailyLimit,
		"weekly_limit":        d.WeeklyLimit,
		"monthly_limit":       d.MonthlyLimit,
	}
	if d.ID != "" {
		row["id"] = d.ID
	}
	if !d.CreatedAt.IsZero() {
		row["created_at"] = d.CreatedAt
	}
	if !d.UpdatedAt.IsZero() {
		row["updated_at"] = d.UpdatedAt
	}
	var devices []models.Device
	if err := c.do(ctx, "create", http.MethodPost, nil, []map[string]any{row}, &devices); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, &store.StoreError{Op: "create", Message: "insert returned no rows"}
	}
	return &devices[0], nil
}

func (c *Client) DeleteDevice(ctx context.Context, id string) error {
	var devices []models.Device
	if err := c.do(ctx, "delete", http.MethodDelete, byID(id), nil, &devices); err != nil {
		return err
	}
	if len(devices) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func byID(id string) url.Values {
	q := url.Values{}
	q.Set("id", "eq."+id)
	return q
}

// do sends one PostgREST request with the session token and decodes the
// returned rows into out. Row-level security hides other users' rows, so
// an empty result is how missing and foreign devices look alike.
func (c *Client) do(ctx context.Context, op, method string, query url.Values, body any, out any) error {
	token, _, err := c.token(ctx)
	if err != nil {
		return err
	}
	var data io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return store.NewStoreError(op, err)
		}
		data = bytes.NewReader(payload)
	}
	path := devicesPath
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	req, err := c.buildRequest(ctx, method, path, data, token)
	if err != nil {
		return store.NewStoreError(op, err)
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return store.NewStoreError(op, err)
	}
	defer res.Body.Close()
	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return store.NewStoreError(op, err)
	}
	if res.StatusCode >= 300 {
		return &store.StoreError{Op: op, Message: decodeError(respBody, res.Status)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return store.NewStoreError(op, err)
	}
	return nil
}
