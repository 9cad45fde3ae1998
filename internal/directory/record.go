// Package directory talks to the external topic store that owns device and
// rule records.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is one topic-store entry.
type Record struct {
	Kind  string          `json:"topic_name"`
	ID    string          `json:"topic_uuid"`
	Value json.RawMessage `json:"value"`
}

// Directory is the set of record operations the controller consumes.
type Directory interface {
	FetchAll(ctx context.Context) ([]Record, error)
	FetchKind(ctx context.Context, kind string) ([]Record, error)
	Fetch(ctx context.Context, kind, id string) (Record, error)
	Update(ctx context.Context, kind, id string, value interface{}) error
	Delete(ctx context.Context, kind, id string) error
}

// Device is a mutable view over a device record's value. Unknown fields are
// preserved so an update never drops data owned by other writers.
type Device struct {
	Kind   string
	ID     string
	fields map[string]interface{}
}

// DeviceFromRecord decodes a record value into a Device.
func DeviceFromRecord(r Record) (*Device, error) {
	fields := map[string]interface{}{}
	if len(r.Value) > 0 && string(r.Value) != "null" {
		if err := json.Unmarshal(r.Value, &fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", r.Kind, r.ID, err)
		}
	}
	return &Device{Kind: r.Kind, ID: r.ID, fields: fields}, nil
}

// Privacy reports the device's privacy flag.
func (d *Device) Privacy() bool {
	v, _ := d.fields["privacy"].(bool)
	return v
}

func (d *Device) SetPrivacy(on bool) {
	d.fields["privacy"] = on
}

// SetPrivacyUntil records the end time of the governing rule.
func (d *Device) SetPrivacyUntil(until string) {
	d.fields["privacy_until"] = until
}

func (d *Device) PrivacyUntil() string {
	v, _ := d.fields["privacy_until"].(string)
	return v
}

// IPAddress returns the device address, or "" for devices without one.
func (d *Device) IPAddress() string {
	v, _ := d.fields["ip_address"].(string)
	return v
}

// Name returns a display name for logs.
func (d *Device) Name() string {
	if v, ok := d.fields["name"].(string); ok && v != "" {
		return v
	}
	return d.Kind + "/" + d.ID
}

// NetworkIP returns the address to enforce at the packet filter. Only
// devices of cameraKind with a non-empty address are network-capable.
func (d *Device) NetworkIP(cameraKind string) string {
	if d.Kind != cameraKind {
		return ""
	}
	return d.IPAddress()
}

// Value returns the fields to persist.
func (d *Device) Value() map[string]interface{} {
	return d.fields
}
