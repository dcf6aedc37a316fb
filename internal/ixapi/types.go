package ixapi

import (
	"encoding/json"
	"time"
)

// Export privacy values of an exchange.
const (
	PrivacyPublic  = "public"
	PrivacyPrivate = "private"
)

// Exchange is an internet exchange as returned by the ix endpoint.
type Exchange struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Slug             string `json:"slug"`
	URLKey           string `json:"urlkey"`
	Verified         bool   `json:"verified"`
	Grainy           string `json:"grainy"`
	IXFExportPrivacy string `json:"ixf_export_privacy"`
}

// Private reports whether the exchange's IX-F export requires the urlkey secret.
func (e Exchange) Private() bool {
	return e.IXFExportPrivacy == PrivacyPrivate
}

// ExchangeRequest is the write payload for creating or updating an exchange.
type ExchangeRequest struct {
	Name             string `json:"name,omitempty"`
	Slug             string `json:"slug,omitempty"`
	URLKey           string `json:"urlkey,omitempty"`
	IXFExportPrivacy string `json:"ixf_export_privacy,omitempty"`
}

// Port is the physical/virtual port a member is assigned to.
type Port struct {
	ID              int    `json:"id"`
	VirtualPort     int    `json:"virtual_port"`
	VirtualPortName string `json:"virtual_port_name"`
	DeviceName      string `json:"device_name"`
}

// Member is an exchange member row.
type Member struct {
	ID              int     `json:"id"`
	IX              int     `json:"ix"`
	Grainy          string  `json:"grainy"`
	Name            string  `json:"name"`
	DisplayName     string  `json:"display_name"`
	IXFState        string  `json:"ixf_state"`
	Port            *Port   `json:"port"`
	MD5             *string `json:"md5"`
	ASN             int     `json:"asn"`
	Speed           int     `json:"speed"`
	IPAddr4         string  `json:"ipaddr4,omitempty"`
	IPAddr6         string  `json:"ipaddr6,omitempty"`
	ASMacro         string  `json:"as_macro,omitempty"`
	ASMacroOverride string  `json:"as_macro_override,omitempty"`
}

// Routeserver is a route server row including its config job status.
type Routeserver struct {
	ID              int        `json:"id"`
	IX              int        `json:"ix"`
	Grainy          string     `json:"grainy"`
	Name            string     `json:"name"`
	ASN             int        `json:"asn"`
	RouterID        string     `json:"router_id,omitempty"`
	ConfigStatus    *string    `json:"routeserver_config_status"`
	ConfigGenerated *time.Time `json:"routeserver_config_generated_time"`
	ConfigError     *string    `json:"routeserver_config_error"`
}

// Status returns the raw job status, empty when the server reported none.
func (rs Routeserver) Status() string {
	if rs.ConfigStatus == nil {
		return ""
	}
	return *rs.ConfigStatus
}

// ErrorText returns the raw job diagnostic, empty when absent.
func (rs Routeserver) ErrorText() string {
	if rs.ConfigError == nil {
		return ""
	}
	return *rs.ConfigError
}

// NetworkPresence describes an ASN's presence at an exchange and the
// principal's access to it.
type NetworkPresence struct {
	ASN     int    `json:"asn"`
	IX      int    `json:"ix"`
	IXName  string `json:"ix_name"`
	Org     string `json:"org"`
	OrgName string `json:"org_name"`
	Access  string `json:"access"`
}

// TrafficPoint is one sample of aggregated exchange traffic.
type TrafficPoint struct {
	Time   time.Time `json:"time"`
	BPSIn  float64   `json:"bps_in"`
	BPSOut float64   `json:"bps_out"`
}

// TrafficRange narrows a traffic query. Zero values mean server defaults.
type TrafficRange struct {
	End      time.Time
	Duration time.Duration
}

// envelope is the fullctl REST response wrapper.
type envelope struct {
	Data   json.RawMessage     `json:"data"`
	Errors map[string][]string `json:"errors,omitempty"`
}
